package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"marcut/internal/orchestrator"
	"marcut/internal/queue"
)

func newQueueCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage registry entries",
	}
	cmd.AddCommand(
		newQueueRemoveCommand(app),
		newQueueRetryCommand(app),
		newQueueClearCommand(app),
	)
	return cmd
}

func newQueueRemoveCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a document from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			if err := app.openRegistry(false); err != nil {
				return err
			}

			doc, err := app.orch.Remove(cmd.Context(), id)
			if err != nil {
				if errors.Is(err, queue.ErrNotFound) {
					return fmt.Errorf("document %d is not registered", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d: %s\n", id, doc.BaseName())
			return nil
		},
	}
}

func newQueueRetryCommand(app *appContext) *cobra.Command {
	var opts orchestrator.RunOptions
	var model string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Rerun a failed or cancelled document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			if model != "" {
				app.cfg.Engine.Model = model
			}
			if err := app.openRegistry(true); err != nil {
				return err
			}

			opts.Retry = true
			if err := app.orch.Submit(cmd.Context(), id, opts); err != nil {
				return err
			}
			if err := app.orch.Await(cmd.Context(), id); err != nil {
				return err
			}

			doc, err := app.store.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d: %s\n", doc.Status, doc.ID, doc.BaseName())
			if doc.Status == queue.StatusFailed {
				return fmt.Errorf("retry failed: %s", doc.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Advanced, "advanced", false, "enable AI-assisted entity detection")
	cmd.Flags().BoolVar(&opts.TrackChanges, "track-changes", false, "write replacements as tracked revisions")
	cmd.Flags().StringVar(&model, "model", "", "override the configured model for advanced mode")
	return cmd
}

func newQueueClearCommand(app *appContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every document from the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.openRegistry(false); err != nil {
				return err
			}
			agg, err := app.store.Aggregates(cmd.Context())
			if err != nil {
				return err
			}
			if agg.HasProcessing && !force {
				return fmt.Errorf("documents are processing; pass --force to clear anyway")
			}
			if err := app.orch.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "registry cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "clear even with processing documents")
	return cmd
}
