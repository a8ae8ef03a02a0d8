package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
	"github.com/nvidales/adrsynth/internal/workflow/resolver"
	"github.com/nvidales/adrsynth/internal/workflow/router"
)

// RunStatus enumerates the lifecycle phases of an analysis run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run reached a final status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StageStatus enumerates per-stage progress within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCommitted StageStatus = "committed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// StageRun persists one stage's progress within a run.
type StageRun struct {
	Status StageStatus  `json:"status"`
	Route  router.Route `json:"route,omitempty"`
	// Error holds the stage failure message; Detail carries auxiliary notes
	// such as the dependencies that withheld a skipped stage.
	Error      string    `json:"error,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunState captures the checkpointed record of one analysis run. It carries
// everything a resume needs: the resolved definition, the document assembled
// so far, per-stage progress, and the routing decisions already taken.
type RunState struct {
	RunID      string              `json:"run_id"`
	Pipeline   string              `json:"pipeline"`
	Definition workflow.Definition `json:"definition"`
	Status     RunStatus           `json:"status"`
	// StatusReason provides a human readable explanation for terminal states.
	StatusReason string                 `json:"status_reason,omitempty"`
	Flags        workflow.Flags         `json:"flags"`
	MaxParallel  int                    `json:"max_parallel,omitempty"`
	Document     *state.Document        `json:"document"`
	Stages       map[string]StageRun    `json:"stages"`
	Decisions    []router.Decision      `json:"decisions,omitempty"`
	Warnings     []state.RoutingWarning `json:"warnings,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// progress converts the persisted stage records into resolver progress.
func (rs RunState) progress() resolver.Progress {
	p := resolver.Progress{
		Committed: map[string]bool{},
		Failed:    map[string]bool{},
		Skipped:   map[string]bool{},
	}
	for id, sr := range rs.Stages {
		switch sr.Status {
		case StageStatusCommitted:
			p.Committed[id] = true
		case StageStatusFailed:
			p.Failed[id] = true
		case StageStatusSkipped:
			p.Skipped[id] = true
		}
	}
	return p
}

// stagesWith returns the IDs of stages recorded at the given status, sorted.
func (rs RunState) stagesWith(status StageStatus) []string {
	var ids []string
	for id, sr := range rs.Stages {
		if sr.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// decision returns the recorded routing decision for a stage, if any. Resumed
// runs replay recorded decisions instead of re-evaluating evidence.
func (rs RunState) decision(stageID string) (router.Decision, bool) {
	for _, d := range rs.Decisions {
		if d.Stage == stageID {
			return d, true
		}
	}
	return router.Decision{}, false
}

// unsettled returns the stages that have not reached a terminal status, in
// declaration order.
func (rs RunState) unsettled() []string {
	var ids []string
	for _, id := range rs.Definition.StageIDs() {
		switch rs.Stages[id].Status {
		case StageStatusCommitted, StageStatusFailed, StageStatusSkipped:
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// reset drops all derived progress, rebuilding the document from the original
// run inputs so every stage executes again.
func (rs *RunState) reset() error {
	if rs.Document == nil {
		return fmt.Errorf("workflow engine: run %s has no document", rs.RunID)
	}
	inputs := map[state.FieldID]state.Value{}
	for _, field := range state.All() {
		if field.Group != state.GroupInput {
			continue
		}
		if value, ok := rs.Document.Value(field.ID); ok {
			inputs[field.ID] = value
		}
	}
	doc, err := state.NewDocument(inputs)
	if err != nil {
		return err
	}
	rs.Document = doc
	rs.Stages = map[string]StageRun{}
	rs.Decisions = nil
	rs.Warnings = nil
	rs.StatusReason = ""
	rs.FinishedAt = time.Time{}
	return nil
}
