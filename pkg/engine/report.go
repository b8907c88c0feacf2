package engine

import (
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a proc, host run or task.
type Status string

const (
	// StatusCompleted means every step succeeded.
	StatusCompleted Status = "completed"

	// StatusFailed means a step failed and was not recovered.
	StatusFailed Status = "failed"

	// StatusRecovered means a failure occurred but a catch handler recovered
	// it; the run counts as successful with a warning.
	StatusRecovered Status = "recovered"

	// StatusSkipped means the step never ran (a switch branch not taken, or
	// a host skipped after a prior failure).
	StatusSkipped Status = "skipped"
)

// TaskReport records one task execution on one host.
type TaskReport struct {
	Label    string        `json:"label"`
	Kind     string        `json:"kind"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`

	// Nested holds reports of tasks run inside this one (switch branches,
	// try bodies and handlers, delegated procs).
	Nested []*TaskReport `json:"nested,omitempty"`
}

// HostReport records a proc's task list run on one host. Host runs are
// isolated; a failure here never touches other hosts' reports.
type HostReport struct {
	Host     string        `json:"host"`
	Status   Status        `json:"status"`
	Tasks    []*TaskReport `json:"tasks"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ProcReport records one proc execution across its hosts.
type ProcReport struct {
	Proc     string        `json:"proc"`
	Label    string        `json:"label"`
	Kind     string        `json:"kind"`
	Status   Status        `json:"status"`
	Hosts    []*HostReport `json:"hosts"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunReport is the full outcome of processing one change set.
type RunReport struct {
	ID         string        `json:"id"`
	RevisionID string        `json:"revision_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Status     Status        `json:"status"`
	Procs      []*ProcReport `json:"procs"`
}

// NewRunReport returns an empty report with a fresh identifier.
func NewRunReport(revisionID string) *RunReport {
	return &RunReport{
		ID:         uuid.NewString(),
		RevisionID: revisionID,
		StartedAt:  time.Now().UTC(),
		Status:     StatusCompleted,
	}
}

// Add appends a proc report and folds its status into the run status.
// Failed dominates; Recovered downgrades Completed.
func (r *RunReport) Add(p *ProcReport) {
	r.Procs = append(r.Procs, p)
	switch p.Status {
	case StatusFailed:
		r.Status = StatusFailed
	case StatusRecovered:
		if r.Status == StatusCompleted {
			r.Status = StatusRecovered
		}
	}
}

// fold combines a child status into an aggregate the same way.
func foldStatus(agg, child Status) Status {
	switch child {
	case StatusFailed:
		return StatusFailed
	case StatusRecovered:
		if agg == StatusCompleted {
			return StatusRecovered
		}
	}
	return agg
}
