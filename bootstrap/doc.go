// Package bootstrap provides application initialization and lifecycle management.
// It wires configuration, logging, the rule forest and the evaluation worker
// pool into one App the commands share.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, cfg, sugar)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	_ = app.Submit(ctx, event, func(alert *core.Alert) { ... })
package bootstrap
