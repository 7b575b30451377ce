// Package sinks holds the progress consumers: structured logs, Prometheus
// collectors and run bookkeeping in a store.RunRepository.
package sinks
