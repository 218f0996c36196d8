/*
Package host provides the page a userscript runs against.

A Page is a goja runtime whose global object plays the browser window: self
references (window, self, frames, top, parent), EventTarget methods and on*
handler accessors on the window prototype, timers, location, document,
navigator and console.

Window methods throw "Illegal invocation" when called with a receiver other
than the window, so code that borrows them from a different object must bind
them first.

# Event loop

All JavaScript runs on one goroutine driving the Loop. Work finishing on other
goroutines re-enters with Post, or with the release func returned by Hold
which keeps Drain waiting while the work is in flight. Timers carry an owner
tag so one script's timers can be cancelled together.

	page, _ := host.New(host.DefaultConfig(), logger)
	page.RunString(`setTimeout(() => console.log("hi"), 10)`)
	page.Loop().Drain(ctx)
*/
package host
