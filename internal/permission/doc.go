// Package permission checks privileged operations against a script's metadata.
//
// The core assumes grants were authorized before a context is built; Verify is the
// second line, applied by capabilities that reach outside the page, such as
// GM_xmlhttpRequest and its @connect list.
package permission
