// Package report holds the domain model shared by the storage layer, the
// generation pipeline and the scheduler daemon: templates, scheduled
// entries, versions, and the error taxonomy used to classify a cycle.
package report
