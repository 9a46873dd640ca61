package domain

import "time"

// RunStatus is the outcome recorded for a finished workflow run.
type RunStatus string

const (
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Run is the persisted record of one refinement run.
type Run struct {
	ID          string
	Instruction string
	Threshold   int
	Status      RunStatus
	// FailedState names the workflow state a failed run aborted in.
	FailedState string
	Messages    []Message
	States      []string
	CreatedAt   time.Time
	TTL         int64
}
