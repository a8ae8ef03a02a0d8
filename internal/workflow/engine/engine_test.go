package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/events"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
	"github.com/nvidales/adrsynth/internal/workflow/router"
)

func TestEngineInitializePersistsCreatedRun(t *testing.T) {
	cfg := newTestConfig(t)
	def := diamondDefinition()
	eng, repo := newTestEngine(t, cfg, diamondStubs())
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if run.RunID == "" {
		t.Fatalf("expected run id")
	}
	if run.Status != RunStatusCreated {
		t.Fatalf("expected created status, got %s", run.Status)
	}
	if got := run.Document.Text(state.ProjectName.ID); got != cfg.Project.Project.Name {
		t.Fatalf("project name input mismatch: got %q want %q", got, cfg.Project.Project.Name)
	}
	stored, err := repo.Load(run.RunID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if stored.Pipeline != "diamond" || stored.Status != RunStatusCreated {
		t.Fatalf("persisted run mismatch: %s %s", stored.Pipeline, stored.Status)
	}
}

func TestEngineInitializeRejectsUnknownStage(t *testing.T) {
	cfg := newTestConfig(t)
	def := workflow.Definition{
		ID:     "broken",
		Name:   "Broken",
		Stages: []workflow.StageRef{{ID: "ghost", StageID: "ghost"}},
	}
	eng, _ := newTestEngine(t, cfg, nil)
	_, err := eng.Initialize(InitRequest{Definition: &def})
	var cerr *workflow.ConstructionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected construction error, got %v", err)
	}
}

func TestEngineExecuteCompletesDiamondPipeline(t *testing.T) {
	cfg := newTestConfig(t)
	def := diamondDefinition()
	stubs := diamondStubs()
	eng, repo := newTestEngine(t, cfg, stubs)
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	run, err = eng.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", run.Status, run.StatusReason)
	}
	for _, id := range []string{"frame", "study-minor", "study-major", "compare"} {
		if got := run.Stages[id].Status; got != StageStatusCommitted {
			t.Fatalf("expected %s committed, got %s", id, got)
		}
	}
	if got := run.Document.Text(state.ArchitectureDiff.ID); got != "compare output" {
		t.Fatalf("unexpected diff value: %q", got)
	}
	if run.FinishedAt.IsZero() {
		t.Fatalf("expected finished timestamp")
	}
	stored, err := repo.Load(run.RunID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if stored.Status != RunStatusCompleted {
		t.Fatalf("persisted status mismatch: %s", stored.Status)
	}
	report := filepath.Join(cfg.RunsDir(), run.RunID+"-report.json")
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("expected run report at %s: %v", report, err)
	}
}

func TestEngineExecuteHonorsMaxParallelOne(t *testing.T) {
	cfg := newTestConfig(t)
	def := diamondDefinition()
	stubs := diamondStubs()
	eng, _ := newTestEngine(t, cfg, stubs)
	run, err := eng.Initialize(InitRequest{Definition: &def, MaxParallel: 1})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if run.MaxParallel != 1 {
		t.Fatalf("expected max parallel recorded, got %d", run.MaxParallel)
	}
	run, err = eng.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", run.Status, run.StatusReason)
	}
	for _, stub := range stubs {
		if stub.calls != 1 {
			t.Fatalf("expected one call for %s, got %d", stub.id, stub.calls)
		}
	}
}

// Whichever sibling finishes first, the join consumer must not start until
// both have committed.
func TestEngineJoinAwaitsSlowSibling(t *testing.T) {
	for _, slow := range []string{"study-minor", "study-major"} {
		t.Run(slow, func(t *testing.T) {
			cfg := newTestConfig(t)
			def := diamondDefinition()
			stubs := diamondStubs()
			var mu sync.Mutex
			var order []string
			observe := func(event string) {
				mu.Lock()
				order = append(order, event)
				mu.Unlock()
			}
			for _, stub := range stubs {
				stub.observe = observe
			}
			stubs[slow].delay = 50 * time.Millisecond
			eng, _ := newTestEngine(t, cfg, stubs)
			run, err := eng.Initialize(InitRequest{Definition: &def})
			if err != nil {
				t.Fatalf("initialize: %v", err)
			}
			if _, err := eng.Execute(context.Background(), run); err != nil {
				t.Fatalf("execute: %v", err)
			}
			mu.Lock()
			defer mu.Unlock()
			compareStart := indexOf(order, "compare start")
			if compareStart < 0 {
				t.Fatalf("compare never started: %v", order)
			}
			for _, sibling := range []string{"study-minor done", "study-major done"} {
				if done := indexOf(order, sibling); done < 0 || done > compareStart {
					t.Fatalf("compare started before %s: %v", sibling, order)
				}
			}
		})
	}
}

func indexOf(values []string, target string) int {
	for i, value := range values {
		if value == target {
			return i
		}
	}
	return -1
}

func TestEngineExecuteContainsStageFailure(t *testing.T) {
	cfg := newTestConfig(t)
	def := diamondDefinition()
	stubs := diamondStubs()
	stubs["study-major"].fail = true
	eng, _ := newTestEngine(t, cfg, stubs)
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	run, err = eng.Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected run failure")
	}
	var runFail *RunFailure
	if !errors.As(err, &runFail) {
		t.Fatalf("expected RunFailure, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "study-major" {
		t.Fatalf("expected stage error for study-major, got %v", err)
	}
	if !slices.Equal(runFail.Failed, []string{"study-major"}) {
		t.Fatalf("unexpected failed set: %v", runFail.Failed)
	}
	if !slices.Equal(runFail.Skipped, []string{"compare"}) {
		t.Fatalf("unexpected skipped set: %v", runFail.Skipped)
	}
	if got := run.Stages["study-minor"].Status; got != StageStatusCommitted {
		t.Fatalf("expected sibling to finish, got %s", got)
	}
	if detail := run.Stages["compare"].Detail; !strings.Contains(detail, "study-major") {
		t.Fatalf("expected skip detail to name study-major, got %q", detail)
	}
	if !strings.Contains(run.StatusReason, "study-major") {
		t.Fatalf("expected status reason to reference study-major, got %q", run.StatusReason)
	}
}

func TestEngineExecuteToleratesOptionalFailure(t *testing.T) {
	cfg := newTestConfig(t)
	frame := newStub("frame", nil, []state.FieldID{state.TheoreticalContext.ID})
	notes := newStub("notes", []state.FieldID{state.TheoreticalContext.ID}, []state.FieldID{state.SupplementaryFindings.ID})
	notes.fail = true
	wrap := newStub("wrap", []state.FieldID{state.TheoreticalContext.ID}, []state.FieldID{state.ADRList.ID})
	def := workflow.Definition{
		ID:   "supplemented",
		Name: "Supplemented",
		Stages: []workflow.StageRef{
			{ID: "frame", StageID: "frame"},
			{ID: "notes", StageID: "notes", DependsOn: []string{"frame"}, Optional: true},
			{ID: "wrap", StageID: "wrap", DependsOn: []string{"frame", "notes"}},
		},
	}
	eng, _ := newTestEngine(t, cfg, map[string]*stubStage{"frame": frame, "notes": notes, "wrap": wrap})
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	run, err = eng.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("expected run to survive optional failure, got %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", run.Status, run.StatusReason)
	}
	if got := run.Stages["notes"].Status; got != StageStatusFailed {
		t.Fatalf("expected notes recorded failed, got %s", got)
	}
	if got := run.Stages["wrap"].Status; got != StageStatusCommitted {
		t.Fatalf("expected wrap committed, got %s", got)
	}
}

func TestEngineRoutesFallbackWhenEvidenceMissing(t *testing.T) {
	cfg := newTestConfig(t)
	def := routedDefinition()
	prep, minor, major := routedStubs()
	eng, _ := newTestEngine(t, cfg, map[string]*stubStage{"prep": prep})
	registerRouted(t, eng, minor, major)
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	run, err = eng.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, id := range []string{"refine-minor", "refine-major"} {
		decision, ok := run.decision(id)
		if !ok || decision.Route != router.RouteFallback {
			t.Fatalf("expected fallback decision for %s, got %+v", id, decision)
		}
	}
	if minor.calls != 0 || minor.fallbacks != 1 {
		t.Fatalf("expected fallback body only, got calls=%d fallbacks=%d", minor.calls, minor.fallbacks)
	}
	if got := run.Document.Text(state.ImprovedAnalysisMinor.ID); got != "refine-minor carried" {
		t.Fatalf("unexpected improved analysis: %q", got)
	}
	aggregates := 0
	for _, w := range run.Warnings {
		if w.Aggregate {
			aggregates++
		}
	}
	if len(run.Warnings) != 3 || aggregates != 1 {
		t.Fatalf("expected two stage warnings plus one aggregate, got %+v", run.Warnings)
	}
}

func TestEngineRoutesFullWhenEvidencePresent(t *testing.T) {
	cfg := newTestConfig(t)
	bundle := filepath.Join(cfg.ProjectDir, "src-minor.zip")
	if err := os.WriteFile(bundle, []byte("zip"), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	cfg.Project.Inputs.SourceZipMinor = bundle
	def := routedDefinition()
	prep, minor, major := routedStubs()
	eng, _ := newTestEngine(t, cfg, map[string]*stubStage{"prep": prep})
	registerRouted(t, eng, minor, major)
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	run, err = eng.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if decision, ok := run.decision("refine-minor"); !ok || decision.Route != router.RouteFull {
		t.Fatalf("expected full route for refine-minor, got %+v", decision)
	}
	if decision, ok := run.decision("refine-major"); !ok || decision.Route != router.RouteFallback {
		t.Fatalf("expected fallback route for refine-major, got %+v", decision)
	}
	if minor.calls != 1 || minor.fallbacks != 0 {
		t.Fatalf("expected full body only, got calls=%d fallbacks=%d", minor.calls, minor.fallbacks)
	}
	if got := run.Document.Text(state.ImprovedAnalysisMinor.ID); got != "refine-minor output" {
		t.Fatalf("unexpected improved analysis: %q", got)
	}
	if len(run.Warnings) != 1 || run.Warnings[0].Aggregate {
		t.Fatalf("expected a single per-stage warning, got %+v", run.Warnings)
	}
}

func TestEngineResumeSkipsCommittedStages(t *testing.T) {
	cfg := newTestConfig(t)
	frame := newStub("frame", nil, []state.FieldID{state.TheoreticalContext.ID})
	study := newStub("study", []state.FieldID{state.TheoreticalContext.ID}, []state.FieldID{state.TerraformAnalysisMinor.ID})
	study.fail = true
	wrap := newStub("wrap", []state.FieldID{state.TerraformAnalysisMinor.ID}, []state.FieldID{state.ADRList.ID})
	def := workflow.Definition{
		ID:   "chain",
		Name: "Chain",
		Stages: []workflow.StageRef{
			{ID: "frame", StageID: "frame"},
			{ID: "study", StageID: "study", DependsOn: []string{"frame"}},
			{ID: "wrap", StageID: "wrap", DependsOn: []string{"study"}},
		},
	}
	eng, _ := newTestEngine(t, cfg, map[string]*stubStage{"frame": frame, "study": study, "wrap": wrap})
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err = eng.Execute(context.Background(), run); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	study.fail = false
	resumed, err := eng.Resume(context.Background(), run.RunID, false)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", resumed.Status, resumed.StatusReason)
	}
	if frame.calls != 1 {
		t.Fatalf("expected frame to run once, got %d", frame.calls)
	}
	if study.calls != 2 || wrap.calls != 1 {
		t.Fatalf("unexpected call counts: study=%d wrap=%d", study.calls, wrap.calls)
	}
}

func TestEngineResumeKeepsDecisionHistory(t *testing.T) {
	cfg := newTestConfig(t)
	def := routedDefinition()
	prep, minor, major := routedStubs()
	minor.fallbackFail = true
	eng, _ := newTestEngine(t, cfg, map[string]*stubStage{"prep": prep})
	registerRouted(t, eng, minor, major)
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err = eng.Execute(context.Background(), run); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	minor.fallbackFail = false
	resumed, err := eng.Resume(context.Background(), run.RunID, false)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", resumed.Status, resumed.StatusReason)
	}
	if len(resumed.Decisions) != 2 {
		t.Fatalf("expected decision history preserved, got %+v", resumed.Decisions)
	}
	if decision, ok := resumed.decision("refine-minor"); !ok || decision.Route != router.RouteFallback {
		t.Fatalf("expected replayed fallback decision, got %+v", decision)
	}
	if minor.fallbacks != 2 {
		t.Fatalf("expected fallback body replayed, got %d", minor.fallbacks)
	}
	aggregates := 0
	for _, w := range resumed.Warnings {
		if w.Aggregate {
			aggregates++
		}
	}
	if len(resumed.Warnings) != 3 || aggregates != 1 {
		t.Fatalf("expected warnings deduplicated across attempts, got %+v", resumed.Warnings)
	}
}

func TestEngineForceRefreshRepeatsPipeline(t *testing.T) {
	cfg := newTestConfig(t)
	def := diamondDefinition()
	stubs := diamondStubs()
	eng, _ := newTestEngine(t, cfg, stubs)
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err = eng.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}
	idempotent, err := eng.Resume(context.Background(), run.RunID, false)
	if err != nil {
		t.Fatalf("resume completed run: %v", err)
	}
	if idempotent.Status != RunStatusCompleted || stubs["frame"].calls != 1 {
		t.Fatalf("expected resume of completed run to be a no-op, calls=%d", stubs["frame"].calls)
	}
	refreshed, err := eng.Resume(context.Background(), run.RunID, true)
	if err != nil {
		t.Fatalf("force refresh: %v", err)
	}
	if refreshed.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", refreshed.Status, refreshed.StatusReason)
	}
	for _, stub := range stubs {
		if stub.calls != 2 {
			t.Fatalf("expected %s repeated under force refresh, got %d", stub.id, stub.calls)
		}
	}
	if got := refreshed.Document.Text(state.ArchitectureDiff.ID); got != "compare output" {
		t.Fatalf("unexpected diff value after refresh: %q", got)
	}
}

func TestEngineRejectsUndeclaredCommit(t *testing.T) {
	cfg := newTestConfig(t)
	solo := newStub("solo", nil, []state.FieldID{state.TheoreticalContext.ID})
	solo.leak = state.ArchitectureDiff.ID
	def := workflow.Definition{
		ID:     "solo",
		Name:   "Solo",
		Stages: []workflow.StageRef{{ID: "solo", StageID: "solo"}},
	}
	eng, _ := newTestEngine(t, cfg, map[string]*stubStage{"solo": solo})
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	run, err = eng.Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected undeclared commit to fail the run")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "solo" {
		t.Fatalf("expected stage error for solo, got %v", err)
	}
	if !strings.Contains(run.StatusReason, "undeclared output") {
		t.Fatalf("expected undeclared output reason, got %q", run.StatusReason)
	}
	if got := run.Document.Text(state.ArchitectureDiff.ID); got != "" {
		t.Fatalf("undeclared field must not land in the document, got %q", got)
	}
}

func TestEngineDeadlineStopsDispatch(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Project.Run.Timeout = "1ns"
	solo := newStub("solo", nil, []state.FieldID{state.TheoreticalContext.ID})
	def := workflow.Definition{
		ID:     "solo",
		Name:   "Solo",
		Stages: []workflow.StageRef{{ID: "solo", StageID: "solo"}},
	}
	eng, _ := newTestEngine(t, cfg, map[string]*stubStage{"solo": solo})
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	run, err = eng.Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected deadline failure")
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if solo.calls != 0 {
		t.Fatalf("expected no dispatch after deadline, got %d", solo.calls)
	}
	if run.Status != RunStatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
}

func TestEngineStreamsLifecycleEvents(t *testing.T) {
	cfg := newTestConfig(t)
	def := diamondDefinition()
	stubs := diamondStubs()
	stubs["study-major"].fail = true
	eng, _ := newTestEngine(t, cfg, stubs)
	var seen []events.Event
	eng.events = events.PublisherFunc(func(evt events.Event) {
		seen = append(seen, evt)
	})
	run, err := eng.Initialize(InitRequest{Definition: &def})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err = eng.Execute(context.Background(), run); err == nil {
		t.Fatalf("expected run failure")
	}
	if len(seen) == 0 {
		t.Fatalf("expected lifecycle events")
	}
	if seen[0].Type != events.TypeRunStarted {
		t.Fatalf("expected run_started first, got %s", seen[0].Type)
	}
	last := seen[len(seen)-1]
	if last.Type != events.TypeRunFailed || !strings.Contains(last.Detail, "study-major") {
		t.Fatalf("expected run_failed last naming study-major, got %+v", last)
	}
	counts := map[string]int{}
	for _, evt := range seen {
		if evt.RunID != run.RunID {
			t.Fatalf("event for wrong run: %+v", evt)
		}
		counts[evt.Type]++
	}
	if counts[events.TypeStageDispatched] != 3 || counts[events.TypeStageCommitted] != 2 {
		t.Fatalf("unexpected dispatch/commit counts: %v", counts)
	}
	if counts[events.TypeStageFailed] != 1 || counts[events.TypeStageSkipped] != 1 {
		t.Fatalf("unexpected failure/skip counts: %v", counts)
	}
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := config.InitWorkDir(dir); err != nil {
		t.Fatalf("init work dir: %v", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, stubs map[string]*stubStage) (*Engine, *Repository) {
	t.Helper()
	reg := stage.NewRegistry()
	for id, stub := range stubs {
		stub := stub
		reg.MustRegister(id, func(stage.Config) (stage.Stage, error) {
			return stub, nil
		})
	}
	repo := NewRepository(cfg)
	clock := &testClock{value: time.Unix(0, 0)}
	eng, err := New(cfg, reg, repo,
		WithClock(clock.Now),
		WithCompletion(llm.NewFake()),
		WithExtractor(evidence.NewFake(nil)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, repo
}

func registerRouted(t *testing.T, eng *Engine, stubs ...*routedStub) {
	t.Helper()
	for _, stub := range stubs {
		stub := stub
		eng.registry.MustRegister(stub.id, func(stage.Config) (stage.Stage, error) {
			return stub, nil
		})
	}
}

func diamondDefinition() workflow.Definition {
	return workflow.Definition{
		ID:   "diamond",
		Name: "Diamond",
		Stages: []workflow.StageRef{
			{ID: "frame", StageID: "frame"},
			{ID: "study-minor", StageID: "study-minor", DependsOn: []string{"frame"}},
			{ID: "study-major", StageID: "study-major", DependsOn: []string{"frame"}},
			{ID: "compare", StageID: "compare", DependsOn: []string{"study-minor", "study-major"}},
		},
	}
}

func diamondStubs() map[string]*stubStage {
	return map[string]*stubStage{
		"frame":       newStub("frame", nil, []state.FieldID{state.TheoreticalContext.ID}),
		"study-minor": newStub("study-minor", []state.FieldID{state.TheoreticalContext.ID}, []state.FieldID{state.TerraformAnalysisMinor.ID}),
		"study-major": newStub("study-major", []state.FieldID{state.TheoreticalContext.ID}, []state.FieldID{state.TerraformAnalysisMajor.ID}),
		"compare":     newStub("compare", []state.FieldID{state.TerraformAnalysisMinor.ID, state.TerraformAnalysisMajor.ID}, []state.FieldID{state.ArchitectureDiff.ID}),
	}
}

func routedDefinition() workflow.Definition {
	return workflow.Definition{
		ID:   "routed",
		Name: "Routed",
		Stages: []workflow.StageRef{
			{ID: "prep", StageID: "prep"},
			{ID: "refine-minor", StageID: "refine-minor", DependsOn: []string{"prep"}},
			{ID: "refine-major", StageID: "refine-major", DependsOn: []string{"prep"}},
		},
	}
}

func routedStubs() (*stubStage, *routedStub, *routedStub) {
	prep := newStub("prep", nil, []state.FieldID{state.TerraformAnalysisMinor.ID, state.TerraformAnalysisMajor.ID})
	minor := &routedStub{
		stubStage: *newStub("refine-minor", []state.FieldID{state.TerraformAnalysisMinor.ID}, []state.FieldID{state.ImprovedAnalysisMinor.ID, state.ExtractionMetadataMinor.ID}),
		evidence:  state.EvidenceMinor.ID,
	}
	major := &routedStub{
		stubStage: *newStub("refine-major", []state.FieldID{state.TerraformAnalysisMajor.ID}, []state.FieldID{state.ImprovedAnalysisMajor.ID, state.ExtractionMetadataMajor.ID}),
		evidence:  state.EvidenceMajor.ID,
	}
	return prep, minor, major
}

type testClock struct {
	mu    sync.Mutex
	value time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = c.value.Add(time.Second)
	return c.value
}

type stubStage struct {
	id      string
	inputs  []state.FieldID
	outputs []state.FieldID
	fail    bool
	// leak adds an undeclared field to the committed delta.
	leak  state.FieldID
	delay time.Duration
	// observe, when set, records "<id> start" and "<id> done" around the body.
	observe func(string)
	calls   int
}

func newStub(id string, inputs, outputs []state.FieldID) *stubStage {
	return &stubStage{id: id, inputs: inputs, outputs: outputs}
}

func (s *stubStage) Info() stage.Info { return stage.Info{ID: s.id, Name: "stub " + s.id} }

func (s *stubStage) Inputs() []state.FieldID { return s.inputs }

func (s *stubStage) Outputs() []state.FieldID { return s.outputs }

func (s *stubStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	s.calls++
	if s.observe != nil {
		s.observe(s.id + " start")
		defer s.observe(s.id + " done")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail {
		return state.Delta{}, errors.New(s.id + " exploded")
	}
	delta := s.delta("output")
	if s.leak != "" {
		delta.Values[s.leak] = s.id + " leak"
	}
	return delta, nil
}

func (s *stubStage) delta(suffix string) state.Delta {
	values := map[state.FieldID]state.Value{}
	for _, id := range s.outputs {
		field, _ := state.Lookup(id)
		switch field.Kind {
		case state.KindList:
			values[id] = []any{s.id + " " + suffix}
		case state.KindRecord, state.KindMapping:
			values[id] = map[string]any{s.id: suffix}
		default:
			values[id] = s.id + " " + suffix
		}
	}
	return state.Delta{Stage: s.id, Values: values}
}

type routedStub struct {
	stubStage
	evidence     state.FieldID
	fallbackFail bool
	fallbacks    int
}

func (s *routedStub) EvidenceField() state.FieldID { return s.evidence }

func (s *routedStub) Fallback(ctx context.Context, env *stage.Context) (state.Delta, error) {
	s.fallbacks++
	if s.fallbackFail {
		return state.Delta{}, errors.New(s.id + " fallback exploded")
	}
	return s.delta("carried"), nil
}
