// Package server is the optional debug HTTP server of a sandbox run. It serves
// Prometheus metrics, a health probe and a read-only view of the runners.
package server
