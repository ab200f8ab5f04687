// Package api exposes the HTTP interface for the analysis service: job
// submission and lifecycle endpoints, queue metrics, the WebSocket progress
// channel, and operational probes.
package api
