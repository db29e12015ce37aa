// Package metrics exposes the server's own Prometheus metrics: fleet
// gauges refreshed from storage counts plus ingestion, API and retention
// instrumentation.
package metrics
