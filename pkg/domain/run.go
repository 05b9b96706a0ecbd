package domain

import "time"

// ErrorKind classifies why a node ended in error.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindExecution     ErrorKind = "execution"
	ErrorKindLazyExpansion ErrorKind = "lazy_expansion"
)

// Failure is attached to a node that ended in error.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Run is one execution of an Exec node. A node accumulates one Run per
// dispatch, which forms its timeline across resets.
type Run struct {
	Number      int      `json:"number"`
	ID          string   `json:"id"`
	ContainerID string   `json:"container_id,omitempty"`
	Command     string   `json:"command"`
	Params      Resolved `json:"params"`
	Status      Status   `json:"status"`
	ExitCode    int      `json:"exit_code"`
	Stdout      string   `json:"stdout,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`
	// StdoutTruncated and StderrTruncated mark output cut at the runtime's
	// capture limit.
	StdoutTruncated bool      `json:"stdout_truncated,omitempty"`
	StderrTruncated bool      `json:"stderr_truncated,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	Attempts        int       `json:"attempts"`
	QueuedAt        time.Time `json:"queued_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// Duration is the wall time the command ran for.
func (r Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
