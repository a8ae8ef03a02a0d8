// Package runhistory summarizes persisted run checkpoints for listings and
// resume pickers. It reads the same checkpoint store the engine writes and
// never mutates it.
package runhistory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nvidales/adrsynth/internal/workflow/engine"
)

// ErrNoRuns is returned when no run checkpoints exist yet.
var ErrNoRuns = errors.New("runhistory: no recorded runs")

// Store is the slice of the checkpoint repository the history reader needs.
type Store interface {
	List() ([]string, error)
	Load(runID string) (engine.RunState, error)
}

// Summary condenses one checkpoint into the fields run listings show.
type Summary struct {
	RunID      string
	Pipeline   string
	Status     engine.RunStatus
	Reason     string
	Committed  int
	Failed     int
	Skipped    int
	Total      int
	Warnings   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Resumable reports whether a resume could still move this run forward.
// Completed runs only re-execute under force, and unreadable checkpoints
// cannot be resumed at all.
func (s Summary) Resumable() bool {
	switch s.Status {
	case engine.RunStatusCreated, engine.RunStatusRunning, engine.RunStatusFailed:
		return true
	}
	return false
}

// Progress renders committed stages over the declared total, e.g. "4/7".
func (s Summary) Progress() string {
	return fmt.Sprintf("%d/%d", s.Committed, s.Total)
}

// History reads run summaries from a checkpoint store.
type History struct {
	store Store
}

// New creates a history reader over the given checkpoint store.
func New(store Store) *History {
	return &History{store: store}
}

// Summaries returns one summary per persisted run, most recently updated
// first. Checkpoints that fail to decode still appear, carrying the read
// error as the reason, so one corrupt file never hides the runs around it.
func (h *History) Summaries() ([]Summary, error) {
	ids, err := h.store.List()
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		rs, err := h.store.Load(id)
		if err != nil {
			summaries = append(summaries, Summary{
				RunID:  id,
				Reason: fmt.Sprintf("checkpoint unreadable: %v", err),
			})
			continue
		}
		summaries = append(summaries, summarize(rs))
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].RunID < summaries[j].RunID
	})
	return summaries, nil
}

// Latest returns the most recently updated run.
func (h *History) Latest() (Summary, error) {
	summaries, err := h.Summaries()
	if err != nil {
		return Summary{}, err
	}
	if len(summaries) == 0 {
		return Summary{}, ErrNoRuns
	}
	return summaries[0], nil
}

// Resolve matches a user supplied run reference against the recorded runs.
// It accepts a full run ID or any unambiguous prefix, ignoring case.
func (h *History) Resolve(key string) (Summary, error) {
	needle := strings.ToLower(strings.TrimSpace(key))
	if needle == "" {
		return Summary{}, fmt.Errorf("runhistory: empty run reference")
	}
	summaries, err := h.Summaries()
	if err != nil {
		return Summary{}, err
	}
	if len(summaries) == 0 {
		return Summary{}, ErrNoRuns
	}
	var matches []Summary
	for _, s := range summaries {
		id := strings.ToLower(s.RunID)
		if id == needle {
			return s, nil
		}
		if strings.HasPrefix(id, needle) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return Summary{}, fmt.Errorf("runhistory: no run matching %q", key)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.RunID
		}
		sort.Strings(ids)
		return Summary{}, fmt.Errorf("runhistory: %q matches several runs: %s", key, strings.Join(ids, ", "))
	}
}

// summarize flattens one checkpoint into its listing view.
func summarize(rs engine.RunState) Summary {
	s := Summary{
		RunID:      rs.RunID,
		Pipeline:   rs.Pipeline,
		Status:     rs.Status,
		Reason:     rs.StatusReason,
		Total:      len(rs.Definition.StageIDs()),
		Warnings:   len(rs.Warnings),
		CreatedAt:  rs.CreatedAt,
		UpdatedAt:  rs.UpdatedAt,
		FinishedAt: rs.FinishedAt,
	}
	for _, record := range rs.Stages {
		switch record.Status {
		case engine.StageStatusCommitted:
			s.Committed++
		case engine.StageStatusFailed:
			s.Failed++
		case engine.StageStatusSkipped:
			s.Skipped++
		}
	}
	return s
}
