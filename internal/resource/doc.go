// Package resource provides pre-fetched @resource and @require payloads.
//
// Lookups are synchronous: everything a script may ask for is loaded before its
// context is built. GM_getResourceText decodes through Text, GM_getResourceURL
// hands out DataURL.
//
// Verify checks content against a hash pinned in its URL fragment, such as
// https://cdn.example/lib.js#sha256=<hex>.
package resource
