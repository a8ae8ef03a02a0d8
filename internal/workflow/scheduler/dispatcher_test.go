package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow/resolver"
	"github.com/nvidales/adrsynth/internal/workflow/router"
)

func TestDispatcherReportsOutcomes(t *testing.T) {
	clock := newTestClock()
	d := NewDispatcher(2, WithDispatcherClock(clock.Now))

	boom := errors.New("boom")
	d.Launch(context.Background(), taskFor("good", func(context.Context, *stage.Context) (state.Delta, error) {
		return state.Delta{Stage: "good", Values: map[state.FieldID]state.Value{
			state.TheoreticalContext.ID: "framing",
		}}, nil
	}))
	d.Launch(context.Background(), taskFor("bad", func(context.Context, *stage.Context) (state.Delta, error) {
		return state.Delta{}, boom
	}))

	outcomes := map[string]Outcome{}
	for i := 0; i < 2; i++ {
		outcome := <-d.Results()
		outcomes[outcome.StageID] = outcome
	}
	good, ok := outcomes["good"]
	if !ok || good.Err != nil {
		t.Fatalf("unexpected good outcome: %+v", good)
	}
	if got := good.Delta.Values[state.TheoreticalContext.ID]; got != "framing" {
		t.Fatalf("delta value = %v", got)
	}
	if good.Finished.Before(good.Started) {
		t.Fatalf("timestamps out of order: %+v", good)
	}
	bad, ok := outcomes["bad"]
	if !ok || !errors.Is(bad.Err, boom) {
		t.Fatalf("unexpected bad outcome: %+v", bad)
	}
}

func TestDispatcherRunsFallbackBody(t *testing.T) {
	d := NewDispatcher(1)
	st := &funcStage{
		info: stage.Info{ID: "source-refine", Name: "source refinement", Variant: "minor"},
		run: func(context.Context, *stage.Context) (state.Delta, error) {
			t.Error("full body must not run on a fallback route")
			return state.Delta{}, nil
		},
		fallback: func(context.Context, *stage.Context) (state.Delta, error) {
			return state.Delta{Stage: "source-refine"}, nil
		},
	}
	d.Launch(context.Background(), Task{
		Node:  &resolver.Node{ID: "source-minor", Stage: st},
		Route: router.RouteFallback,
	})

	outcome := <-d.Results()
	if outcome.Err != nil {
		t.Fatalf("fallback outcome: %v", outcome.Err)
	}
	if outcome.Route != router.RouteFallback {
		t.Fatalf("route = %s", outcome.Route)
	}
}

func TestDispatcherBoundsParallelism(t *testing.T) {
	d := NewDispatcher(1)
	entered := make(chan struct{})
	gate := make(chan struct{})

	d.Launch(context.Background(), taskFor("first", func(context.Context, *stage.Context) (state.Delta, error) {
		close(entered)
		<-gate
		return state.Delta{Stage: "first"}, nil
	}))
	<-entered
	d.Launch(context.Background(), taskFor("second", func(context.Context, *stage.Context) (state.Delta, error) {
		return state.Delta{Stage: "second"}, nil
	}))
	close(gate)

	if outcome := <-d.Results(); outcome.StageID != "first" {
		t.Fatalf("expected first to finish before second could start, got %s", outcome.StageID)
	}
	if outcome := <-d.Results(); outcome.StageID != "second" {
		t.Fatalf("expected second outcome, got %s", outcome.StageID)
	}
}

func TestDispatcherDetachesCancellation(t *testing.T) {
	d := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Launch(ctx, taskFor("steady", func(ctx context.Context, _ *stage.Context) (state.Delta, error) {
		if err := ctx.Err(); err != nil {
			return state.Delta{}, err
		}
		return state.Delta{Stage: "steady"}, nil
	}))

	outcome := <-d.Results()
	if outcome.Err != nil {
		t.Fatalf("cancelled parent must not reach the stage body: %v", outcome.Err)
	}
}

func taskFor(id string, run func(context.Context, *stage.Context) (state.Delta, error)) Task {
	st := &funcStage{
		info: stage.Info{ID: id, Name: "stub " + id},
		run:  run,
	}
	return Task{
		Node:  &resolver.Node{ID: id, Stage: st},
		Route: router.RouteFull,
	}
}

type funcStage struct {
	info     stage.Info
	run      func(context.Context, *stage.Context) (state.Delta, error)
	fallback func(context.Context, *stage.Context) (state.Delta, error)
}

func (s *funcStage) Info() stage.Info             { return s.info }
func (s *funcStage) Inputs() []state.FieldID      { return nil }
func (s *funcStage) Outputs() []state.FieldID     { return nil }
func (s *funcStage) EvidenceField() state.FieldID { return state.EvidenceMinor.ID }

func (s *funcStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	return s.run(ctx, env)
}

func (s *funcStage) Fallback(ctx context.Context, env *stage.Context) (state.Delta, error) {
	return s.fallback(ctx, env)
}

// testClock hands out strictly increasing timestamps. Stage goroutines stamp
// outcomes concurrently, so reads are serialized.
type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(time.Second)
	return now
}
