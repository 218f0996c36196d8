// Package logging provides structured logging using uber/zap.
//
// Two modes are offered:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Script components log through ForScript children so every line carries the
// script id, script name and run flag.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	log := logger.ForScript(string(script.ID), script.Name, string(runFlag))
//	log.Debug("grant dropped", zap.String("grant", name))
package logging
