package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"marcut/internal/orchestrator"
)

func newProcessCommand(app *appContext) *cobra.Command {
	var opts orchestrator.RunOptions
	var model string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Redact every eligible document in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if model != "" {
				app.cfg.Engine.Model = model
			}
			if err := app.openRegistry(true); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				app.orch.CancelAll()
			}()

			go func() {
				for {
					select {
					case event := <-app.orch.Events():
						doc := event.Document
						if doc != nil && doc.Status.Terminal() {
							fmt.Fprintf(cmd.OutOrStdout(), "%s %d: %s\n", doc.Status, doc.ID, doc.BaseName())
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			agg, err := app.batch.ProcessAll(ctx, opts)
			if err != nil {
				return err
			}

			switch {
			case agg.BatchFinished:
				fmt.Fprintln(cmd.OutOrStdout(), "batch finished")
			case agg.HasPendingReview:
				fmt.Fprintln(cmd.OutOrStdout(), "batch done; documents are waiting for review (marcut review <id>)")
			case !agg.HasAny:
				fmt.Fprintln(cmd.OutOrStdout(), "registry is empty; add documents with marcut add")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "batch done; see marcut status for details")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Advanced, "advanced", false, "enable AI-assisted entity detection")
	cmd.Flags().BoolVar(&opts.TrackChanges, "track-changes", false, "write replacements as tracked revisions")
	cmd.Flags().BoolVar(&opts.Retry, "retry", false, "also rerun failed and cancelled documents")
	cmd.Flags().StringVar(&model, "model", "", "override the configured model for advanced mode")
	return cmd
}
