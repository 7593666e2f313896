// Package api serves the worker's operational HTTP surface: liveness and
// readiness probes backed by the task health monitor, and the Prometheus
// scrape endpoint. Producer-facing task routes live with the producer
// service, not here.
package api
