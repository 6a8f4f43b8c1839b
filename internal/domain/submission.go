package domain

import "time"

// SubmissionStatus is the lifecycle of a user submission.
type SubmissionStatus string

const (
	SubmissionAccepted       SubmissionStatus = "ACCEPTED"
	SubmissionRunning        SubmissionStatus = "RUNNING"
	SubmissionCancelled      SubmissionStatus = "CANCELLED"
	SubmissionSuccess        SubmissionStatus = "SUCCESS"
	SubmissionPartialSuccess SubmissionStatus = "PARTIAL_SUCCESS"
	SubmissionError          SubmissionStatus = "ERROR"
)

// Terminal reports whether s is one a submission never leaves.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case SubmissionSuccess, SubmissionPartialSuccess, SubmissionError, SubmissionCancelled:
		return true
	default:
		return false
	}
}

// Submission is a single user-submitted workflow and its lifecycle
// record.
type Submission struct {
	ID             string           `json:"id"`
	Workflow       Workflow         `json:"workflow"`
	Status         SubmissionStatus `json:"status"`
	StartTime      *time.Time       `json:"start_time,omitempty"`
	EndTime        *time.Time       `json:"end_time,omitempty"`
	Results        map[string]any   `json:"results,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	ExecutionState []byte           `json:"execution_state,omitempty"` // opaque rule-engine snapshot

	// Inputs seeds the rule engine's known-values map at submission time -
	// the bindings a workflow's first actions read before any process
	// chain has produced an output of its own.
	Inputs map[string]Value `json:"inputs,omitempty"`
}
