package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"marcut/internal/progress"
	"marcut/internal/queue"
)

func newStatusCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the document registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.openStore(); err != nil {
				return err
			}
			docs, err := app.store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "registry is empty")
				return nil
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"ID", "DOCUMENT", "STATUS", "PROGRESS", "DETAIL"})
			for _, doc := range docs {
				t.AppendRow(table.Row{
					doc.ID,
					truncate(doc.BaseName(), 32),
					statusCell(doc),
					progressCell(doc),
					truncate(detailCell(doc), 56),
				})
			}
			t.Render()

			agg := queue.ComputeAggregates(docs)
			if agg.BatchFinished {
				fmt.Fprintln(cmd.OutOrStdout(), "batch finished")
			} else if agg.HasPendingReview {
				fmt.Fprintln(cmd.OutOrStdout(), "documents are waiting for review (marcut review <id>)")
			}
			return nil
		},
	}
}

func statusCell(doc *queue.Document) string {
	if doc.Status == queue.StatusCompleted && doc.NeedsReview {
		return string(doc.Status) + " (review)"
	}
	return string(doc.Status)
}

func progressCell(doc *queue.Document) string {
	if !doc.IsProcessing() {
		return ""
	}
	return fmt.Sprintf("%3.0f%% %s", doc.ProgressPercent, progress.StageLabel(doc.Stage))
}

func detailCell(doc *queue.Document) string {
	switch doc.Status {
	case queue.StatusCompleted:
		return doc.Artifacts.OutputPath
	case queue.StatusFailed, queue.StatusInvalid:
		return doc.ErrorMessage
	case queue.StatusProcessing:
		return doc.ProgressMessage
	default:
		return ""
	}
}
