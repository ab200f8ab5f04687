// Package analysis defines the core job lifecycle types shared across
// subsystems: the job model, progress snapshots, queue metrics, failure
// classification, and the collaborator interfaces implemented by the
// storage, analyzer, notifier, and queue packages.
package analysis
