package recorder

// Trackable is the capability a job payload must expose to be tracked.
// Payloads that do not implement it are ignored.
type Trackable interface {
	// ProcessID correlates the job with its parent command invocation.
	// Empty means the job was dispatched outside any command.
	ProcessID() string
	// CommandName is the parent command, empty for standalone dispatches.
	CommandName() string
	// JobType is an optional free-form classifier.
	JobType() string
}

// Frame is one call-stack entry captured on job failure.
type Frame struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Call string `json:"call"`
}

// Failure describes why a job failed.
type Failure struct {
	Message string
	Class   string
	Frames  []Frame
}

// JobQueued is emitted when a job enters a queue.
type JobQueued struct {
	JobID   string
	Queue   string
	Payload any
}

// JobProcessing is emitted when a worker picks the job up.
type JobProcessing struct {
	JobID    string
	Queue    string
	Attempts int
	Payload  any
}

// JobCompleted is emitted on successful completion. PeakMemory is the
// worker-reported peak in bytes; zero means unknown.
type JobCompleted struct {
	JobID      string
	Queue      string
	Payload    any
	PeakMemory int64
}

// JobFailed is emitted when a job fails terminally.
type JobFailed struct {
	JobID      string
	Queue      string
	Payload    any
	PeakMemory int64
	Failure    Failure
}

// CommandStarting is emitted before a command process begins work.
type CommandStarting struct {
	Name   string
	Args   []string
	Source string // console|api, defaults to console
}

// CommandFinished is emitted when a command process exits.
type CommandFinished struct {
	Name     string
	ExitCode int
}
