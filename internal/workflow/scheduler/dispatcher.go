package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow/resolver"
	"github.com/nvidales/adrsynth/internal/workflow/router"
)

// Task pairs a runnable node with its routing decision and the prepared stage
// environment.
type Task struct {
	Node  *resolver.Node
	Route router.Route
	Env   *stage.Context
}

// Outcome reports one finished stage execution.
type Outcome struct {
	StageID  string
	Route    router.Route
	Delta    state.Delta
	Err      error
	Started  time.Time
	Finished time.Time
}

// Dispatcher executes tasks concurrently behind a weighted semaphore. Stage
// goroutines never touch the shared document: each reports its delta over the
// results channel and the caller commits on its own loop.
type Dispatcher struct {
	capacity int64
	sem      *semaphore.Weighted
	results  chan Outcome
	now      func() time.Time
}

// DispatcherOption customizes dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the time source used for outcome timestamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher sizes the dispatcher for at most slots concurrently held
// scheduler slots. Values below one are raised to one.
func NewDispatcher(slots int, opts ...DispatcherOption) *Dispatcher {
	if slots < 1 {
		slots = 1
	}
	d := &Dispatcher{
		capacity: int64(slots),
		sem:      semaphore.NewWeighted(int64(slots)),
		results:  make(chan Outcome, slots),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Results delivers outcomes as stages finish.
func (d *Dispatcher) Results() <-chan Outcome {
	return d.results
}

// Launch starts the task on its own goroutine. The context seeds the stage
// body but is stripped of cancellation: sibling failures and engine deadlines
// never abort work already dispatched. The outcome is enqueued before the
// stage's slots are released, so a capacity-one dispatcher reports outcomes
// in execution order.
func (d *Dispatcher) Launch(ctx context.Context, task Task) {
	body := task.Node.Stage.Run
	if task.Route == router.RouteFallback {
		if routed, ok := task.Node.Stage.(stage.Routed); ok {
			body = routed.Fallback
		}
	}
	weight := d.weightFor(task.Node.Stage.Info())
	detached := context.WithoutCancel(ctx)
	go func() {
		_ = d.sem.Acquire(context.Background(), weight)
		defer d.sem.Release(weight)
		started := d.now()
		delta, err := body(detached, task.Env)
		d.results <- Outcome{
			StageID:  task.Node.ID,
			Route:    task.Route,
			Delta:    delta,
			Err:      err,
			Started:  started,
			Finished: d.now(),
		}
	}()
}

func (d *Dispatcher) weightFor(info stage.Info) int64 {
	if info.RequiresExclusiveExecution() {
		return d.capacity
	}
	weight := int64(info.SlotCost())
	if weight > d.capacity {
		return d.capacity
	}
	return weight
}
