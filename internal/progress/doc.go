// Package progress defines the typed events the engine publishes while a
// job runs, and the Hub that fans them out to registered sinks without ever
// blocking the emitter.
package progress
