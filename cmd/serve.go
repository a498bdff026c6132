package cmd

import (
	"context"
	"fmt"

	"medgate/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.configFile)
		},
	}
}

// serve runs the service until a shutdown signal or a server failure
func serve(ctx context.Context, configFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := bootstrap.NewApp(ctx, configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	waitErr := app.WaitForShutdown()
	app.Shutdown()
	if waitErr != nil {
		return fmt.Errorf("API server stopped: %w", waitErr)
	}
	return nil
}
