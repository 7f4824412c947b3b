package contextkey

// Key is a distinct type to avoid context key collisions across packages.
type Key string

const (
	TraceID    Key = "trace_id"
	RequestID  Key = "request_id"
	WorkerKind Key = "worker_kind"
	WorkerPID  Key = "worker_pid"
	JobPID     Key = "job_pid"
	ArtifactID Key = "artifact_id"
)
