// Command gmsandbox loads userscripts into a simulated page and runs them
// through the GM sandbox.
//
// Usage:
//
//	# Run the scripts of a manifest and print a report
//	gmsandbox run -m run.yaml
//
//	# JSON report, debug server on GMS_METRICS_ADDR while running
//	gmsandbox run -m run.toml -o json --metrics
//
//	# Show what the metadata block of a script declares
//	gmsandbox parse price-watcher.user.js
//
// A manifest names the page, the scripts with their seeded values and
// resources, the page events to dispatch and the menu commands to click:
//
//	page:
//	  url: https://shop.test/cart
//	  virtual_time: true
//	  document: cart.html
//	drain: 10s
//	scripts:
//	  - path: counter.user.js
//	    values: {count: 1}
//	events:
//	  - type: load
//	menu:
//	  - script: Counter
//	    command: Bump
//
// Configuration comes from GMS_* environment variables. The exit status is
// non-zero when any script failed.
//
// Signals:
//   - SIGINT, SIGTERM: stop the run and shut down the debug server
package main
