// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Starts is the counter for plugin start attempts.
// Use RegisterMetrics to register this with a Prometheus registry.
var Starts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rosey_plugin_starts_total",
		Help: "Total number of plugin start attempts",
	},
	[]string{"plugin", "status"},
)

// Crashes is the counter for detected plugin crashes.
// Use RegisterMetrics to register this with a Prometheus registry.
var Crashes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rosey_plugin_crashes_total",
		Help: "Total number of detected plugin crashes",
	},
	[]string{"plugin"},
)

// Restarts is the counter for plugin restarts.
// Use RegisterMetrics to register this with a Prometheus registry.
var Restarts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rosey_plugin_restarts_total",
		Help: "Total number of plugin restarts",
	},
	[]string{"plugin", "reason"},
)

// Running is the gauge for currently running plugins.
// Use RegisterMetrics to register this with a Prometheus registry.
var Running = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "rosey_plugins_running",
		Help: "Number of plugins currently in the running state",
	},
)

// HealthCheckDuration is the histogram for per-plugin health check duration.
// Use RegisterMetrics to register this with a Prometheus registry.
var HealthCheckDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rosey_health_check_duration_seconds",
		Help:    "Per-plugin health check duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"plugin"},
)

// RegisterMetrics registers plugin package metrics with the given Prometheus registry.
// This must be called at startup to make metrics available on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Starts)
	reg.MustRegister(Crashes)
	reg.MustRegister(Restarts)
	reg.MustRegister(Running)
	reg.MustRegister(HealthCheckDuration)
}
