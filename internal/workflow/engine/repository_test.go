package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow/router"
)

func TestRepositoryRoundTripsRunState(t *testing.T) {
	cfg := newTestConfig(t)
	repo := NewRepository(cfg)
	doc := checkpointDocument(t)
	if err := doc.Apply(state.Delta{
		Stage:  "build-context",
		Values: map[state.FieldID]state.Value{state.TheoreticalContext.ID: "framing"},
	}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	saved := RunState{
		RunID:    "run-roundtrip",
		Pipeline: "standard-analysis",
		Status:   RunStatusRunning,
		Document: doc,
		Stages: map[string]StageRun{
			"build-context": {Status: StageStatusCommitted, Route: router.RouteFull},
			"source-minor":  {Status: StageStatusPending},
		},
		Decisions: []router.Decision{
			{Stage: "source-minor", Variant: "minor", Route: router.RouteFallback, Reason: "evidence absent"},
		},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
	}
	if err := repo.Save(saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := repo.Load("run-roundtrip")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != RunStatusRunning || loaded.Pipeline != "standard-analysis" {
		t.Fatalf("unexpected run identity: %+v", loaded)
	}
	if got := loaded.Stages["build-context"]; got.Status != StageStatusCommitted || got.Route != router.RouteFull {
		t.Fatalf("stage record mutated: %+v", got)
	}
	if !reflect.DeepEqual(loaded.Decisions, saved.Decisions) {
		t.Fatalf("decisions mutated: %+v", loaded.Decisions)
	}
	if got := loaded.Document.Text(state.TheoreticalContext.ID); got != "framing" {
		t.Fatalf("document value mutated: %q", got)
	}
	if ev := loaded.Document.Snapshot(state.EvidenceMajor.ID).Evidence(state.EvidenceMajor.ID); !ev.Present() {
		t.Fatalf("evidence lost its presence: %+v", ev)
	}
	if !loaded.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Fatalf("timestamps mutated: %s", loaded.UpdatedAt)
	}
}

func TestRepositoryLoadUnknownRun(t *testing.T) {
	repo := NewRepository(newTestConfig(t))
	for _, id := range []string{"missing", "", "../escape"} {
		if _, err := repo.Load(id); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("Load(%q) = %v, want ErrRunNotFound", id, err)
		}
	}
}

func TestRepositorySaveRequiresRunID(t *testing.T) {
	repo := NewRepository(newTestConfig(t))
	if err := repo.Save(RunState{}); err == nil {
		t.Fatalf("expected save of anonymous run to fail")
	}
}

func TestRepositoryListSkipsReportsAndStrays(t *testing.T) {
	cfg := newTestConfig(t)
	repo := NewRepository(cfg)
	doc := checkpointDocument(t)
	for _, id := range []string{"run-b", "run-a"} {
		if err := repo.Save(RunState{RunID: id, Status: RunStatusCreated, Document: doc}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	strays := map[string][]byte{
		"run-a-report.json": []byte(`{"run_id":"run-a"}`),
		"notes.txt":         []byte("scratch"),
	}
	for name, body := range strays {
		if err := os.WriteFile(filepath.Join(cfg.RunsDir(), name), body, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(cfg.RunsDir(), "archive.json"), 0o755); err != nil {
		t.Fatalf("mkdir stray: %v", err)
	}
	ids, err := repo.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"run-a", "run-b"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
}

func TestRepositoryListToleratesMissingDir(t *testing.T) {
	repo := &Repository{dir: filepath.Join(t.TempDir(), "never-created")}
	ids, err := repo.List()
	if err != nil || len(ids) != 0 {
		t.Fatalf("List() = %v, %v; want empty", ids, err)
	}
}

func checkpointDocument(t *testing.T) *state.Document {
	t.Helper()
	doc, err := state.NewDocument(map[state.FieldID]state.Value{
		state.ProjectName.ID:        "demo",
		state.ProjectDescription.ID: "demo project",
		state.VariantMinor.ID:       "plans/minor.tf",
		state.VariantMajor.ID:       "plans/major.tf",
		state.EvidenceMinor.ID:      state.EvidenceFor(""),
		state.EvidenceMajor.ID:      state.EvidenceFor("bundle.zip"),
	})
	if err != nil {
		t.Fatalf("new document: %v", err)
	}
	return doc
}
