// Package app manages the scripts loaded into one page.
//
// A Manager builds a runner per script, executes them in run-at order, feeds
// page events and menu clicks to them, and keeps a status view that the debug
// server reads from other goroutines.
//
// Example Usage:
//
//	mgr := app.NewManager(app.Options{Page: page, Services: services})
//	if _, err := mgr.Spawn(ctx, script); err != nil {
//	    return err
//	}
//	mgr.Start()
//	mgr.Ready()
//	err := mgr.Drain(ctx)
package app
