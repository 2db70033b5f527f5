package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(app *appContext) *cobra.Command {
	root := &cobra.Command{
		Use:           "marcut",
		Short:         "Register, validate, and redact Word documents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
				// config init must work before a config file exists.
				return app.setupWithoutValidation()
			}
			return app.setup()
		},
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newAddCommand(app),
		newValidateCommand(app),
		newProcessCommand(app),
		newStatusCommand(app),
		newReviewCommand(app),
		newQueueCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the CLI. Errors are printed once, here.
func Execute() error {
	app := &appContext{}
	defer app.shutdown()

	root := newRootCommand(app)
	if err := root.Execute(); err != nil {
		app.reportError(err)
		return err
	}
	return nil
}
