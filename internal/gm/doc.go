// Package gm implements the GM_* capability set and the per-load Context that
// backs it.
//
// A Context owns a script's value cache, its value-change listeners, menu
// commands, an event table keyed "<event>:<id>" and a counter shared by every
// generated id. Capabilities are registered once in Registry and bound to a
// Context when its grants are resolved.
//
// Capabilities run on the page loop. Anything that waits on a collaborator
// (the value store, the transport, notifications) runs on a helper goroutine
// under a loop hold and reports back through the loop, so callbacks always
// execute on the script's goroutine.
//
// Values are kept as JSON and decoded on every read, so scripts never share
// object identity with the cache. Writes update the cache immediately and reach
// the store in issue order; value-change listeners fire when the store's update
// comes back, with remote set when another load made the change.
package gm
