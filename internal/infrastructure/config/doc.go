// Package config provides 12-factor configuration for the script runtime.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags override individual values.
//
// Configuration Sections:
//   - Logging: Log level and output format
//   - Sandbox: Loop drain timeout and strict-mode bodies
//   - Transport: GM_xmlhttpRequest timeouts, retries and rate limits
//   - Metrics: Debug server address, CORS origins and request rate
//   - Downloads: GM_download target directory
//
// Environment Variables:
//   - GMS_LOG_LEVEL, GMS_LOG_DEV
//   - GMS_DRAIN_TIMEOUT, GMS_STRICT
//   - GMS_HTTP_TIMEOUT, GMS_HTTP_RETRIES, GMS_HTTP_RPS, GMS_HTTP_BURST, GMS_BRIDGE_URL
//   - GMS_METRICS_ENABLED, GMS_METRICS_ADDR
//   - GMS_DOWNLOAD_DIR
package config
