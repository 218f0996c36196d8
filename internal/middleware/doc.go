// Package middleware holds the gin middleware of the debug server.
//
//   - CORS: read-only cross-origin access for local dashboards
//   - RateLimit: per-IP token buckets; idle buckets are dropped
//   - RequestLog: one line per request, keyed by X-Request-ID
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
