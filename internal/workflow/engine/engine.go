package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nvidales/adrsynth/internal/artifact"
	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/events"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/logbook"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
	"github.com/nvidales/adrsynth/internal/workflow/resolver"
	"github.com/nvidales/adrsynth/internal/workflow/router"
	"github.com/nvidales/adrsynth/internal/workflow/scheduler"
)

// Engine owns run execution. It resolves a pipeline, dispatches ready stages,
// commits their deltas into the document, and checkpoints the run after every
// transition so an interrupted process resumes without repeating work.
type Engine struct {
	cfg        *config.Config
	registry   *stage.Registry
	repo       StateStore
	completion llm.Completion
	extractor  evidence.Extractor
	logbook    *logbook.Logbook
	events     events.Publisher
	clock      func() time.Time
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithCompletion injects the completion service handed to stages. When unset
// the engine builds one from the project LLM configuration.
func WithCompletion(completion llm.Completion) Option {
	return func(e *Engine) {
		e.completion = completion
	}
}

// WithExtractor injects the evidence extractor handed to stages.
func WithExtractor(extractor evidence.Extractor) Option {
	return func(e *Engine) {
		e.extractor = extractor
	}
}

// WithLogbook routes run logging to a pre-built logbook instead of the
// per-run file under the project logs directory.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(e *Engine) {
		e.logbook = lb
	}
}

// WithEvents streams run lifecycle events to the publisher as stages
// dispatch, commit, fail, and skip. Nil leaves eventing off.
func WithEvents(pub events.Publisher) Option {
	return func(e *Engine) {
		e.events = pub
	}
}

// New wires a workflow engine to the project config, stage registry, and
// persistence store.
func New(cfg *config.Config, registry *stage.Registry, repo StateStore, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("workflow engine: config is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("workflow engine: stage registry is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("workflow engine: state store is required")
	}
	engine := &Engine{
		cfg:      cfg,
		registry: registry,
		repo:     repo,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// InitRequest describes a new analysis run.
type InitRequest struct {
	// Definition optionally supplies a custom pipeline. When nil the standard
	// definition derived from the project feature flags is used.
	Definition *workflow.Definition
	// Supplements appends extra stages to the standard definition.
	Supplements []workflow.StageRef
	// MaxParallel caps concurrently executing stages for this run. Values <= 0
	// fall back to the project run settings.
	MaxParallel int
}

// Initialize validates the pipeline against the registry, assembles the input
// document from project configuration, and checkpoints a created run.
func (e *Engine) Initialize(req InitRequest) (RunState, error) {
	flags := workflow.Flags{
		IncludeTerraform: e.cfg.IncludeTerraform(),
		IncludeMajor:     e.cfg.IncludeMajor(),
	}
	var def workflow.Definition
	if req.Definition != nil {
		def = *req.Definition
	} else {
		built, err := workflow.StandardDefinition(flags, req.Supplements...)
		if err != nil {
			return RunState{}, err
		}
		def = built
	}
	normalized, err := def.Normalized()
	if err != nil {
		return RunState{}, err
	}
	if _, err := resolver.New(normalized, e.registry); err != nil {
		return RunState{}, err
	}
	doc, err := state.NewDocument(e.runInputs())
	if err != nil {
		return RunState{}, err
	}
	maxParallel := req.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.cfg.MaxParallel()
	}
	now := e.now()
	run := RunState{
		RunID:       uuid.NewString(),
		Pipeline:    normalized.ID,
		Definition:  normalized.Clone(),
		Status:      RunStatusCreated,
		Flags:       flags,
		MaxParallel: maxParallel,
		Document:    doc,
		Stages:      map[string]StageRun{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.repo.Save(run); err != nil {
		return RunState{}, err
	}
	return run, nil
}

// Execute drives a run to a terminal status. Stage failures never cancel
// siblings already in flight; dependents of a failed stage are skipped. The
// run deadline stops new dispatches only, so running stages finish and
// commit. Returns a RunFailure when the run ends failed.
func (e *Engine) Execute(ctx context.Context, run RunState) (RunState, error) {
	if run.Status == RunStatusCompleted {
		return run, nil
	}
	if run.Document == nil {
		return run, fmt.Errorf("workflow engine: run %s has no document", run.RunID)
	}
	res, err := resolver.New(run.Definition, e.registry)
	if err != nil {
		return run, err
	}
	sched, err := scheduler.New(res)
	if err != nil {
		return run, err
	}
	lb := e.logbook
	if lb == nil {
		lb, err = logbook.ForRun(e.cfg.LogsDir(), run.RunID)
		if err != nil {
			return run, err
		}
	}
	env, err := e.environment(run.RunID, lb)
	if err != nil {
		return run, err
	}
	capacity := run.MaxParallel
	if capacity <= 0 {
		capacity = len(run.Definition.Stages)
	}
	dispatcher := scheduler.NewDispatcher(capacity, scheduler.WithDispatcherClock(e.clock))
	if timeout := e.cfg.RunTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	run.Status = RunStatusRunning
	run.StatusReason = ""
	if run.Stages == nil {
		run.Stages = map[string]StageRun{}
	}
	if err := e.checkpoint(&run); err != nil {
		return run, err
	}
	lb.Info("run %s started on pipeline %s", run.RunID, run.Pipeline)
	e.publish(events.TypeRunStarted, run.RunID, "", run.Pipeline)

	inflight := map[string]bool{}
	var firstFailure error
	for {
		res.Refresh(run.progress())
		e.recordSkips(res, &run, lb)
		if ctx.Err() == nil {
			batch, err := sched.Runnable(scheduler.RunnableRequest{
				MaxParallel: run.MaxParallel,
				Running:     sortedKeys(inflight),
			})
			if err != nil {
				return run, err
			}
			for _, node := range batch.Nodes {
				e.dispatch(ctx, dispatcher, node, &run, env, lb)
				inflight[node.ID] = true
			}
			if len(batch.Nodes) > 0 {
				if err := e.checkpoint(&run); err != nil {
					return run, err
				}
			}
		}
		if len(inflight) == 0 {
			break
		}
		outcome := <-dispatcher.Results()
		delete(inflight, outcome.StageID)
		failure := commitOutcome(outcome, &run, res, lb)
		if record := run.Stages[outcome.StageID]; record.Status == StageStatusCommitted {
			e.publish(events.TypeStageCommitted, run.RunID, outcome.StageID, "")
		} else {
			e.publish(events.TypeStageFailed, run.RunID, outcome.StageID, record.Error)
		}
		if failure != nil && firstFailure == nil {
			firstFailure = failure
		}
		if err := e.checkpoint(&run); err != nil {
			return run, err
		}
	}
	if firstFailure == nil && ctx.Err() != nil && len(run.unsettled()) > 0 {
		deadline, _ := ctx.Deadline()
		firstFailure = &TimeoutError{RunID: run.RunID, Deadline: deadline}
		lb.Error("%v", firstFailure)
	}
	return e.finalize(run, firstFailure, res, env, lb)
}

// Resume reloads a checkpointed run and drives it onward. Committed stages
// never repeat; failed, skipped, and interrupted stages run again with their
// recorded routing decisions replayed. Force, whether passed or set via
// run.force_refresh, rebuilds the document from the original inputs and
// repeats every stage.
func (e *Engine) Resume(ctx context.Context, runID string, force bool) (RunState, error) {
	force = force || e.cfg.ForceRefresh()
	run, err := e.repo.Load(runID)
	if err != nil {
		return RunState{}, err
	}
	if run.Status == RunStatusCompleted && !force {
		return run, nil
	}
	if force {
		if err := run.reset(); err != nil {
			return RunState{}, err
		}
	} else {
		for id, record := range run.Stages {
			if record.Status != StageStatusCommitted {
				delete(run.Stages, id)
			}
		}
		run.StatusReason = ""
		run.FinishedAt = time.Time{}
	}
	return e.Execute(ctx, run)
}

// View returns the last checkpoint for a run without executing anything.
func (e *Engine) View(runID string) (RunState, error) {
	return e.repo.Load(runID)
}

// Runs lists the run IDs with checkpoints on disk.
func (e *Engine) Runs() ([]string, error) {
	return e.repo.List()
}

// dispatch routes a ready node, records its decision and running state, and
// hands it to the dispatcher.
func (e *Engine) dispatch(ctx context.Context, d *scheduler.Dispatcher, node *resolver.Node, run *RunState, env *stage.Context, lb *logbook.Logbook) {
	route := router.RouteFull
	if routed, ok := node.Stage.(stage.Routed); ok {
		if prior, ok := run.decision(node.ID); ok {
			route = prior.Route
		} else {
			decision := router.Decide(node.ID, routed, run.Document.Snapshot(routed.EvidenceField()))
			route = decision.Route
			run.Decisions = append(run.Decisions, decision)
			if warning := decision.Warning(); warning != nil {
				run.Warnings = append(run.Warnings, *warning)
				lb.Warn("%s", warning)
				e.publish(events.TypeRoutingFallback, run.RunID, node.ID, warning.String())
			}
		}
	}
	snapshot := run.Document.Snapshot(node.Stage.Inputs()...)
	d.Launch(ctx, scheduler.Task{
		Node:  node,
		Route: route,
		Env:   env.WithState(snapshot),
	})
	run.Stages[node.ID] = StageRun{
		Status:    StageStatusRunning,
		Route:     route,
		StartedAt: e.now(),
	}
	lb.Info("stage %s dispatched (%s)", node.ID, route)
	e.publish(events.TypeStageDispatched, run.RunID, node.ID, string(route))
}

// commitOutcome merges one stage outcome into the run. It returns the failure
// that should settle the run outcome, or nil when the stage committed or is
// declared optional.
func commitOutcome(outcome scheduler.Outcome, run *RunState, res *resolver.Resolver, lb *logbook.Logbook) error {
	record := run.Stages[outcome.StageID]
	record.Route = outcome.Route
	record.StartedAt = outcome.Started
	record.FinishedAt = outcome.Finished
	err := outcome.Err
	if err == nil {
		err = checkDeclaredOutputs(res, outcome)
	}
	if err == nil {
		err = run.Document.Apply(outcome.Delta)
	}
	if err != nil {
		record.Status = StageStatusFailed
		record.Error = err.Error()
		run.Stages[outcome.StageID] = record
		lb.Error("stage %s failed: %v", outcome.StageID, err)
		if node, ok := res.Node(outcome.StageID); ok && node.Ref.Optional {
			return nil
		}
		return &StageError{Stage: outcome.StageID, Err: err}
	}
	record.Status = StageStatusCommitted
	record.Error = ""
	run.Stages[outcome.StageID] = record
	lb.Info("stage %s committed", outcome.StageID)
	return nil
}

// checkDeclaredOutputs rejects deltas touching fields outside the stage's
// declared output set.
func checkDeclaredOutputs(res *resolver.Resolver, outcome scheduler.Outcome) error {
	node, ok := res.Node(outcome.StageID)
	if !ok {
		return nil
	}
	declared := map[state.FieldID]bool{}
	for _, id := range node.Stage.Outputs() {
		declared[id] = true
	}
	ids := make([]string, 0, len(outcome.Delta.Values))
	for id := range outcome.Delta.Values {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !declared[state.FieldID(id)] {
			return fmt.Errorf("workflow engine: stage %s committed undeclared output %s", outcome.StageID, id)
		}
	}
	return nil
}

// recordSkips persists newly skipped stages so dependents of a failure show
// up in checkpoints and reports.
func (e *Engine) recordSkips(res *resolver.Resolver, run *RunState, lb *logbook.Logbook) {
	for _, node := range res.Skipped() {
		if run.Stages[node.ID].Status == StageStatusSkipped {
			continue
		}
		blocked := strings.Join(node.BlockedBy, ", ")
		run.Stages[node.ID] = StageRun{
			Status: StageStatusSkipped,
			Detail: "blocked by " + blocked,
		}
		lb.Warn("stage %s skipped, blocked by %s", node.ID, blocked)
		e.publish(events.TypeStageSkipped, run.RunID, node.ID, "blocked by "+blocked)
	}
}

func (e *Engine) finalize(run RunState, firstFailure error, res *resolver.Resolver, env *stage.Context, lb *logbook.Logbook) (RunState, error) {
	if warning := aggregateWarning(res, &run); warning != nil {
		run.Warnings = append(run.Warnings, *warning)
		lb.Warn("%s", warning)
		e.publish(events.TypeRoutingFallback, run.RunID, "", warning.String())
	}
	now := e.now()
	run.UpdatedAt = now
	run.FinishedAt = now
	if firstFailure != nil {
		run.Status = RunStatusFailed
		run.StatusReason = firstFailure.Error()
	} else {
		run.Status = RunStatusCompleted
	}
	e.writeReport(run, env, lb)
	if err := e.repo.Save(run); err != nil {
		return run, err
	}
	lb.Info("run %s finished with status %s", run.RunID, run.Status)
	if firstFailure != nil {
		e.publish(events.TypeRunFailed, run.RunID, "", firstFailure.Error())
		return run, &RunFailure{
			RunID:     run.RunID,
			First:     firstFailure,
			Completed: run.stagesWith(StageStatusCommitted),
			Failed:    run.stagesWith(StageStatusFailed),
			Skipped:   run.stagesWith(StageStatusSkipped),
		}
	}
	e.publish(events.TypeRunCompleted, run.RunID, "", "")
	return run, nil
}

// aggregateWarning emits the run-level warning when every routed stage of the
// pipeline decided to fall back. Undecided routed stages suppress it, as does
// a warning already recorded on a previous attempt.
func aggregateWarning(res *resolver.Resolver, run *RunState) *state.RoutingWarning {
	for _, w := range run.Warnings {
		if w.Aggregate {
			return nil
		}
	}
	var decisions []router.Decision
	for _, node := range res.Nodes() {
		if _, ok := node.Stage.(stage.Routed); !ok {
			continue
		}
		decision, ok := run.decision(node.ID)
		if !ok {
			return nil
		}
		decisions = append(decisions, decision)
	}
	return router.Aggregate(decisions)
}

// runReport is the machine-readable summary written next to the checkpoint.
type runReport struct {
	RunID        string                 `json:"run_id"`
	Pipeline     string                 `json:"pipeline"`
	Status       RunStatus              `json:"status"`
	StatusReason string                 `json:"status_reason,omitempty"`
	Stages       map[string]StageStatus `json:"stages"`
	Decisions    []router.Decision      `json:"decisions,omitempty"`
	Warnings     []state.RoutingWarning `json:"warnings,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// writeReport emits the run summary artifact. Report problems are logged and
// never affect the run outcome.
func (e *Engine) writeReport(run RunState, env *stage.Context, lb *logbook.Logbook) {
	stages := make(map[string]StageStatus, len(run.Stages))
	for id, record := range run.Stages {
		stages[id] = record.Status
	}
	report := runReport{
		RunID:        run.RunID,
		Pipeline:     run.Pipeline,
		Status:       run.Status,
		StatusReason: run.StatusReason,
		Stages:       stages,
		Decisions:    run.Decisions,
		Warnings:     run.Warnings,
		CreatedAt:    run.CreatedAt,
		FinishedAt:   run.FinishedAt,
	}
	body, err := json.Marshal(report)
	if err != nil {
		lb.Warn("run report not written: %v", err)
		return
	}
	meta := artifact.Metadata{StageID: "engine", RunID: run.RunID}
	if err := env.Artifacts.Write(artifact.RunReportJSON, body, meta); err != nil {
		lb.Warn("run report not written: %v", err)
	}
}

// environment assembles the shared stage context for one run, building the
// default completion service and extractor when none were injected.
func (e *Engine) environment(runID string, lb *logbook.Logbook) (*stage.Context, error) {
	completion := e.completion
	if completion == nil {
		built, err := llm.NewFromConfig(e.cfg)
		if err != nil {
			return nil, err
		}
		completion = built
	}
	extractor := e.extractor
	if extractor == nil {
		extractor = evidence.NewZipExtractor(completion, lb)
	}
	return stage.NewContext(e.cfg, runID, lb).
		WithCompletion(completion).
		WithExtractor(extractor), nil
}

// runInputs assembles the immutable input fields from project configuration.
func (e *Engine) runInputs() map[state.FieldID]state.Value {
	project := e.cfg.Project.Project
	inputs := map[state.FieldID]state.Value{
		state.ProjectName.ID:        project.Name,
		state.ProjectDescription.ID: project.Description,
		state.VariantMinor.ID:       variantSubject(e.cfg.TerraformMinorPath(), "minor"),
		state.VariantMajor.ID:       variantSubject(e.cfg.TerraformMajorPath(), "major"),
		state.EvidenceMinor.ID:      bundleEvidence(e.cfg.SourceZipMinor()),
		state.EvidenceMajor.ID:      bundleEvidence(e.cfg.SourceZipMajor()),
	}
	if path := e.cfg.KnowledgePath(); path != "" {
		inputs[state.KnowledgeRef.ID] = path
	}
	return inputs
}

func variantSubject(path, fallback string) string {
	if path != "" {
		return path
	}
	return fallback
}

// bundleEvidence probes the configured bundle path. A missing file is an
// absent bundle, not an error; the router degrades the run instead.
func bundleEvidence(path string) state.Evidence {
	if path == "" {
		return state.NoEvidence()
	}
	if _, err := os.Stat(path); err != nil {
		return state.NoEvidence()
	}
	return state.EvidenceFor(path)
}

func (e *Engine) checkpoint(run *RunState) error {
	run.UpdatedAt = e.now()
	return e.repo.Save(*run)
}

// publish emits one lifecycle event when an event publisher is attached.
func (e *Engine) publish(kind, runID, stageID, detail string) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{
		Type:    kind,
		Time:    e.now().UTC(),
		RunID:   runID,
		StageID: stageID,
		Detail:  detail,
	})
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
