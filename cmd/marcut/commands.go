package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"marcut/internal/docxcheck"
	"marcut/internal/queue"
	"marcut/internal/services"
)

func newAddCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>...",
		Short: "Register documents and validate their containers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.openRegistry(false); err != nil {
				return err
			}

			var rejected int
			for _, arg := range args {
				source, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				doc, err := app.orch.Register(cmd.Context(), source)
				if err != nil {
					return err
				}
				switch doc.Status {
				case queue.StatusValid:
					fmt.Fprintf(cmd.OutOrStdout(), "added %d: %s\n", doc.ID, doc.BaseName())
				default:
					rejected++
					fmt.Fprintf(cmd.OutOrStdout(), "rejected %d: %s: %s\n", doc.ID, doc.BaseName(), doc.ErrorMessage)
				}
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d documents failed validation", rejected, len(args))
			}
			return nil
		},
	}
}

func newValidateCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check document containers without registering them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator := docxcheck.New(app.cfg.Validator.IntegrityTimeoutDuration(), app.logger)

			var invalid int
			for _, arg := range args {
				source, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				if err := validator.Validate(cmd.Context(), source); err != nil {
					invalid++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %s\n", arg, services.UserMessage(err))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "OK   %s\n", arg)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d documents failed validation", invalid, len(args))
			}
			return nil
		},
	}
}

func newReviewCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "review <id>",
		Short: "Mark a completed document's reports as reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			if err := app.openRegistry(false); err != nil {
				return err
			}
			doc, err := app.orch.MarkReviewed(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reviewed %d: %s\n", doc.ID, doc.BaseName())
			return nil
		},
	}
}

func parseDocumentID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", arg)
	}
	return id, nil
}
