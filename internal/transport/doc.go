// Package transport carries network requests for I/O capabilities.
//
// Every call is tagged with the calling script and its run flag. Two adapters
// ship: HTTP performs requests itself with per-script rate limiting, retries and
// per-host circuit breakers; Bridge relays them to a privileged peer over a
// websocket using JSON frames.
package transport
