// Package bootstrap wires configuration, stores and the admission pipeline
// into a running service and owns its shutdown order.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for a shutdown signal or a server failure
//	err = app.WaitForShutdown()
package bootstrap
