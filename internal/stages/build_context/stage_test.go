package build_context

import (
	"context"
	"strings"
	"testing"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
)

func TestRunProducesFramingAndStructure(t *testing.T) {
	var gotBundle string
	var gotLimits evidence.Limits
	extractor := evidence.NewFake(func(bundle string, limits evidence.Limits) (evidence.Evidence, evidence.Meta, error) {
		gotBundle = bundle
		gotLimits = limits
		ev := evidence.Evidence{Structure: "PROJECT STRUCTURE ANALYSIS\n\nTotal files: 4"}
		return ev, evidence.Meta{TotalFiles: 4, FullFiles: 4}, nil
	})
	env := newTestEnv(t, snapshotFor(t, state.EvidenceFor("minor.zip"), state.NoEvidence()), extractor)

	delta, err := New().Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	framing, _ := delta.Values[state.TheoreticalContext.ID].(string)
	if !strings.Contains(framing, "checkout: Payment checkout service") {
		t.Fatalf("framing missing project line: %q", framing)
	}
	if !strings.Contains(framing, "ARCHITECTURAL EVOLUTION PRIMER") {
		t.Fatalf("framing missing primer: %q", framing)
	}
	structure, _ := delta.Values[state.ProjectStructure.ID].(string)
	if !strings.Contains(structure, "Total files: 4") {
		t.Fatalf("unexpected structure: %q", structure)
	}
	if gotBundle != "minor.zip" {
		t.Fatalf("surveyed %q, want minor.zip", gotBundle)
	}
	if gotLimits.SummarizeLarge {
		t.Fatalf("survey must not summarize oversized files")
	}
	if gotLimits.MaxFiles != 10 || gotLimits.MaxFileSize != 5000 {
		t.Fatalf("survey ignored configured limits: %+v", gotLimits)
	}
}

func TestRunPrefersMinorBundle(t *testing.T) {
	extractor := evidence.NewFake(nil)
	env := newTestEnv(t, snapshotFor(t, state.EvidenceFor("minor.zip"), state.EvidenceFor("major.zip")), extractor)

	if _, err := New().Run(context.Background(), env); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := extractor.Calls()
	if len(calls) != 1 || calls[0] != "minor.zip" {
		t.Fatalf("unexpected extractions: %v", calls)
	}
}

func TestRunWithoutBundlesReportsNoSources(t *testing.T) {
	extractor := evidence.NewFake(nil)
	env := newTestEnv(t, snapshotFor(t, state.NoEvidence(), state.NoEvidence()), extractor)

	delta, err := New().Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	structure, _ := delta.Values[state.ProjectStructure.ID].(string)
	if !strings.Contains(structure, "No source bundle supplied") {
		t.Fatalf("unexpected structure: %q", structure)
	}
	if len(extractor.Calls()) != 0 {
		t.Fatalf("extractor should not run without bundles")
	}
}

func TestRunDegradesWhenSurveyFails(t *testing.T) {
	extractor := evidence.NewFake(func(bundle string, limits evidence.Limits) (evidence.Evidence, evidence.Meta, error) {
		return evidence.Evidence{}, evidence.Meta{}, &evidence.ExtractionError{Bundle: bundle, Err: context.Canceled}
	})
	env := newTestEnv(t, snapshotFor(t, state.EvidenceFor("broken.zip"), state.NoEvidence()), extractor)

	delta, err := New().Run(context.Background(), env)
	if err != nil {
		t.Fatalf("survey failure must not fail the stage: %v", err)
	}
	structure, _ := delta.Values[state.ProjectStructure.ID].(string)
	if !strings.Contains(structure, "No source bundle supplied") {
		t.Fatalf("expected degraded structure, got %q", structure)
	}
}

func TestRegisterInstallsFactory(t *testing.T) {
	reg := stage.NewRegistry()
	Register(reg)
	s, err := reg.Resolve(stageID, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Info().ID != stageID {
		t.Fatalf("unexpected id %s", s.Info().ID)
	}
	if got := len(s.Outputs()); got != 2 {
		t.Fatalf("expected 2 outputs, got %d", got)
	}
}

func snapshotFor(t *testing.T, minor, major state.Evidence) state.Snapshot {
	t.Helper()
	doc, err := state.NewDocument(map[state.FieldID]state.Value{
		state.ProjectName.ID:        "checkout",
		state.ProjectDescription.ID: "Payment checkout service",
		state.VariantMinor.ID:       "plans/minor.tf",
		state.VariantMajor.ID:       "plans/major.tf",
		state.EvidenceMinor.ID:      minor,
		state.EvidenceMajor.ID:      major,
	})
	if err != nil {
		t.Fatalf("new document: %v", err)
	}
	return doc.Snapshot(New().Inputs()...)
}

func newTestEnv(t *testing.T, snap state.Snapshot, extractor evidence.Extractor) *stage.Context {
	t.Helper()
	dir := t.TempDir()
	if err := config.InitWorkDir(dir); err != nil {
		t.Fatalf("init work dir: %v", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	return stage.NewContext(cfg, "run-ctx", nil).WithState(snap).WithExtractor(extractor)
}
