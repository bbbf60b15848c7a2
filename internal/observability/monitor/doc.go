// Package monitor serves the task engine's registry state over HTTP.
//
// Endpoints (GET only, anything else is 405):
//   - /metrics: queue size, terminal counters and the most recent submissions as JSON
//   - /healthz: liveness
//   - <pprof prefix>: net/http/pprof, when enabled
//
// The server binds to loopback by default. Binding elsewhere requires a
// bearer token or allow_insecure.
package monitor
