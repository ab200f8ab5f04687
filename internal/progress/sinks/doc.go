// Package sinks contains progress.Sink implementations: structured logs,
// Prometheus collectors, and the WebSocket fan-out to connected clients.
package sinks
