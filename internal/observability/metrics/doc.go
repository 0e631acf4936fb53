// Package metrics exposes Prometheus collectors for the agent runtime on a
// private registry, together with the /metrics handler.
package metrics
