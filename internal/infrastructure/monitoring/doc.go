/*
Package monitoring provides Prometheus metrics for the script runtime.

# Overview

Collectors are registered on an explicit registry so tests and embedders can
build isolated instances. Every Record method accepts a nil receiver, which
lets packages take an optional *Metrics without guarding each call.

# Metrics

- Script lifecycle: active scripts, runs by mode and outcome, exec time, retries
- Capabilities: calls by name, dropped grants, snapshot composition
- Transport: GM_xmlhttpRequest round trips
- Values: store writes and change notifications

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
*/
package monitoring
