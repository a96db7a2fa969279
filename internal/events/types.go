// Package events provides event types and subject helpers for the
// agent-console event system.
package events

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionUpdated = "session.updated"
	SessionDeleted = "session.deleted"
)

// Event types for workers
const (
	WorkerCreated   = "worker.created"
	WorkerActivated = "worker.activated"
	WorkerExited    = "worker.exited"
	WorkerRemoved   = "worker.removed"
)

// Event types for worker I/O
const (
	WorkerOutput   = "worker.output"   // raw PTY output chunks
	WorkerActivity = "worker.activity" // derived activity state changes
	WorkerMessage  = "worker.message"  // extracted inter-worker messages
)

// Event types for repositories
const (
	RepositoryCreated = "repository.created"
	RepositoryDeleted = "repository.deleted"
)

// Event types for jobs
const (
	JobEnqueued  = "job.enqueued"
	JobCompleted = "job.completed"
	JobStalled   = "job.stalled"
)

// BuildWorkerOutputSubject creates a worker output subject for a specific worker.
func BuildWorkerOutputSubject(workerID string) string {
	return WorkerOutput + "." + workerID
}

// BuildWorkerOutputWildcardSubject creates a wildcard subscription for all worker output.
func BuildWorkerOutputWildcardSubject() string {
	return WorkerOutput + ".*"
}

// BuildWorkerActivitySubject creates an activity subject for a specific worker.
func BuildWorkerActivitySubject(workerID string) string {
	return WorkerActivity + "." + workerID
}

// BuildWorkerActivityWildcardSubject creates a wildcard subscription for all activity changes.
func BuildWorkerActivityWildcardSubject() string {
	return WorkerActivity + ".*"
}

// BuildWorkerExitSubject creates an exit subject for a specific worker.
func BuildWorkerExitSubject(workerID string) string {
	return WorkerExited + "." + workerID
}

// BuildWorkerExitWildcardSubject creates a wildcard subscription for all worker exits.
func BuildWorkerExitWildcardSubject() string {
	return WorkerExited + ".*"
}
