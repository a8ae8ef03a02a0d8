// Package stage defines the unit of work executed by the workflow engine.
// A stage declares the state fields it consumes and produces; the engine
// hands it a snapshot and commits the delta it returns.
package stage

import (
	"context"
	"fmt"

	"github.com/nvidales/adrsynth/internal/state"
)

// Info describes a stage's identity and intent.
type Info struct {
	ID          string
	Name        string
	Description string
	// Variant names the change track a routed stage analyzes, empty for
	// unrouted stages.
	Variant     string
	Concurrency ConcurrencyProfile
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("stage: id is required")
	}
	if i.Name == "" {
		return fmt.Errorf("stage: name is required for %s", i.ID)
	}
	if err := i.Concurrency.validate(i.ID); err != nil {
		return err
	}
	return nil
}

// ConcurrencyProfile declares how many scheduler slots a stage consumes and
// whether it requires exclusive execution.
type ConcurrencyProfile struct {
	// Slots describes how many scheduler capacity units are required to execute
	// the stage. Zero or negative values default to one slot.
	Slots int
	// Exclusive forces the stage to run without any other stages occupying the
	// engine. Useful for collaborators that cannot be shared safely.
	Exclusive bool
}

func (p ConcurrencyProfile) slotsOrDefault() int {
	if p.Slots <= 0 {
		return 1
	}
	return p.Slots
}

func (p ConcurrencyProfile) validate(stageID string) error {
	if p.Slots < 0 {
		return fmt.Errorf("stage: concurrency slots must be >= 0 for %s", stageID)
	}
	return nil
}

// SlotCost returns how many scheduler slots the stage consumes simultaneously.
func (i Info) SlotCost() int {
	return i.Concurrency.slotsOrDefault()
}

// RequiresExclusiveExecution reports whether the stage must run without other
// concurrent stages.
func (i Info) RequiresExclusiveExecution() bool {
	return i.Concurrency.Exclusive
}

// Stage is implemented by every runtime unit.
type Stage interface {
	Info() Info
	Inputs() []state.FieldID
	Outputs() []state.FieldID
	Run(ctx context.Context, env *Context) (state.Delta, error)
}

// Routed is implemented by stages whose body is selected by evidence routing.
// When the evidence field is absent the engine dispatches Fallback instead of
// Run. Both bodies must commit the same output field set.
type Routed interface {
	Stage
	// EvidenceField names the field whose presence selects the full body.
	EvidenceField() state.FieldID
	// Fallback produces the degraded delta for an absent evidence bundle.
	Fallback(ctx context.Context, env *Context) (state.Delta, error)
}
