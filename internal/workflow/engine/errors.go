package engine

import (
	"fmt"
	"strings"
	"time"
)

// StageError wraps a stage body failure with its pipeline identity. Sibling
// stages keep running when one is raised; only dependents are withheld.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("workflow engine: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that the run deadline expired before every stage could
// be dispatched. Stages already in flight still ran to completion.
type TimeoutError struct {
	RunID    string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	if e.Deadline.IsZero() {
		return fmt.Sprintf("workflow engine: run %s cancelled before all stages dispatched", e.RunID)
	}
	return fmt.Sprintf("workflow engine: run %s exceeded its deadline at %s", e.RunID, e.Deadline.Format(time.RFC3339))
}

// RunFailure is the terminal error of a failed run. First carries the failure
// that settled the outcome; the stage sets describe how far the run got.
type RunFailure struct {
	RunID     string
	First     error
	Completed []string
	Failed    []string
	Skipped   []string
}

func (e *RunFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow engine: run %s failed: %v", e.RunID, e.First)
	if len(e.Completed) > 0 {
		fmt.Fprintf(&b, " (completed: %s)", strings.Join(e.Completed, ", "))
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, " (skipped: %s)", strings.Join(e.Skipped, ", "))
	}
	return b.String()
}

func (e *RunFailure) Unwrap() error {
	return e.First
}
