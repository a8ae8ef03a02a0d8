package source_refine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
)

func TestNewDefaultsBaselinePerVariant(t *testing.T) {
	minor, err := New(stage.Config{workflow.ConfigKeyVariant: workflow.VariantMinor})
	if err != nil {
		t.Fatalf("new minor: %v", err)
	}
	if !slices.Contains(minor.Inputs(), state.TerraformAnalysisMinor.ID) {
		t.Fatalf("minor inputs missing baseline: %v", minor.Inputs())
	}
	if minor.EvidenceField() != state.EvidenceMinor.ID {
		t.Fatalf("unexpected evidence field %s", minor.EvidenceField())
	}
	wantOut := []state.FieldID{state.ImprovedAnalysisMinor.ID, state.ExtractionMetadataMinor.ID}
	if got := minor.Outputs(); !slices.Equal(got, wantOut) {
		t.Fatalf("unexpected minor outputs: %v", got)
	}
	major, err := New(stage.Config{workflow.ConfigKeyVariant: workflow.VariantMajor})
	if err != nil {
		t.Fatalf("new major: %v", err)
	}
	if major.EvidenceField() != state.EvidenceMajor.ID {
		t.Fatalf("unexpected evidence field %s", major.EvidenceField())
	}
	if !slices.Contains(major.Outputs(), state.ImprovedAnalysisMajor.ID) {
		t.Fatalf("unexpected major outputs: %v", major.Outputs())
	}
}

func TestNewHonorsBaselineOverride(t *testing.T) {
	s, err := New(stage.Config{
		workflow.ConfigKeyVariant:  workflow.VariantMinor,
		workflow.ConfigKeyBaseline: string(state.TheoreticalContext.ID),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	want := []state.FieldID{state.TheoreticalContext.ID, state.EvidenceMinor.ID}
	if got := s.Inputs(); !slices.Equal(got, want) {
		t.Fatalf("unexpected inputs: %v", got)
	}
}

func TestNewRejectsBadBaseline(t *testing.T) {
	if _, err := New(stage.Config{
		workflow.ConfigKeyVariant:  workflow.VariantMinor,
		workflow.ConfigKeyBaseline: "ghost",
	}); err == nil || !strings.Contains(err.Error(), "not declared") {
		t.Fatalf("expected undeclared-field error, got %v", err)
	}
	if _, err := New(stage.Config{
		workflow.ConfigKeyVariant:  workflow.VariantMinor,
		workflow.ConfigKeyBaseline: string(state.ADRList.ID),
	}); err == nil || !strings.Contains(err.Error(), "is not text") {
		t.Fatalf("expected non-text error, got %v", err)
	}
}

func TestRunRefinesWithExtractedEvidence(t *testing.T) {
	s, err := New(stage.Config{workflow.ConfigKeyVariant: workflow.VariantMinor})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var gotLimits evidence.Limits
	extractor := evidence.NewFake(func(bundle string, limits evidence.Limits) (evidence.Evidence, evidence.Meta, error) {
		gotLimits = limits
		ev := evidence.Evidence{
			Structure: "PROJECT STRUCTURE ANALYSIS\n\nTotal files: 3",
			Combined:  "=== main.go ===\npackage main",
		}
		return ev, evidence.Meta{TotalFiles: 3, SummarizedFiles: 1, FullFiles: 2}, nil
	})
	completion := llm.NewFake()
	completion.Script = func(llm.Request) (string, error) { return "improved minor analysis", nil }
	env := newTestEnv(t, snapshotFor(t, s, state.EvidenceFor("minor.zip"), state.NoEvidence()), completion, extractor)

	delta, err := s.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := delta.Values[state.ImprovedAnalysisMinor.ID].(string); got != "improved minor analysis" {
		t.Fatalf("unexpected refinement: %q", got)
	}
	meta, _ := delta.Values[state.ExtractionMetadataMinor.ID].(map[string]any)
	if meta["total_files"] != 3 || meta["summarized_files"] != 1 || meta["full_files"] != 2 || meta["branch"] != "minor" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
	if calls := extractor.Calls(); len(calls) != 1 || calls[0] != "minor.zip" {
		t.Fatalf("unexpected extractions: %v", calls)
	}
	if !gotLimits.SummarizeLarge || gotLimits.MaxFiles != 10 || gotLimits.MaxFileSize != 5000 {
		t.Fatalf("unexpected limits: %+v", gotLimits)
	}
	calls := completion.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one completion, got %d", len(calls))
	}
	for _, want := range []string{
		"PRIOR ANALYSIS\nbaseline minor analysis",
		"SOURCE CODE\n=== main.go ===\npackage main",
	} {
		if !strings.Contains(calls[0].Prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, calls[0].Prompt)
		}
	}
}

func TestRunSurfacesExtractionError(t *testing.T) {
	s, err := New(stage.Config{workflow.ConfigKeyVariant: workflow.VariantMinor})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	extractor := evidence.NewFake(func(bundle string, limits evidence.Limits) (evidence.Evidence, evidence.Meta, error) {
		return evidence.Evidence{}, evidence.Meta{}, &evidence.ExtractionError{Bundle: bundle, Err: fmt.Errorf("not a zip")}
	})
	env := newTestEnv(t, snapshotFor(t, s, state.EvidenceFor("broken.zip"), state.NoEvidence()), llm.NewFake(), extractor)

	_, err = s.Run(context.Background(), env)
	if err == nil || !strings.Contains(err.Error(), "extract minor bundle") {
		t.Fatalf("expected extraction error, got %v", err)
	}
	var extractionErr *evidence.ExtractionError
	if !errors.As(err, &extractionErr) {
		t.Fatalf("expected *evidence.ExtractionError, got %v", err)
	}
}

func TestRunRejectsAbsentBundle(t *testing.T) {
	s, err := New(stage.Config{workflow.ConfigKeyVariant: workflow.VariantMajor})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	extractor := evidence.NewFake(nil)
	env := newTestEnv(t, snapshotFor(t, s, state.NoEvidence(), state.NoEvidence()), llm.NewFake(), extractor)

	if _, err := s.Run(context.Background(), env); err == nil || !strings.Contains(err.Error(), "bundle is absent") {
		t.Fatalf("expected absent-bundle error, got %v", err)
	}
	if len(extractor.Calls()) != 0 {
		t.Fatalf("extractor must not run for an absent bundle")
	}
}

func TestFallbackCarriesBaseline(t *testing.T) {
	s, err := New(stage.Config{workflow.ConfigKeyVariant: workflow.VariantMinor})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	env := newTestEnv(t, snapshotFor(t, s, state.NoEvidence(), state.NoEvidence()), llm.NewFake(), evidence.NewFake(nil))

	delta, err := s.Fallback(context.Background(), env)
	if err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	if got, _ := delta.Values[state.ImprovedAnalysisMinor.ID].(string); got != "baseline minor analysis" {
		t.Fatalf("fallback did not carry baseline: %q", got)
	}
	meta, _ := delta.Values[state.ExtractionMetadataMinor.ID].(map[string]any)
	if meta["total_files"] != 0 || meta["branch"] != "minor" || meta["note"] != "Source code not available" {
		t.Fatalf("unexpected placeholder metadata: %v", meta)
	}
}

func TestFallbackUsesOverriddenBaseline(t *testing.T) {
	s, err := New(stage.Config{
		workflow.ConfigKeyVariant:  workflow.VariantMinor,
		workflow.ConfigKeyBaseline: string(state.TheoreticalContext.ID),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	env := newTestEnv(t, snapshotFor(t, s, state.NoEvidence(), state.NoEvidence()), llm.NewFake(), evidence.NewFake(nil))

	delta, err := s.Fallback(context.Background(), env)
	if err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	if got, _ := delta.Values[state.ImprovedAnalysisMinor.ID].(string); got != "primer text" {
		t.Fatalf("fallback did not carry overridden baseline: %q", got)
	}
}

func snapshotFor(t *testing.T, s *RefineStage, minor, major state.Evidence) state.Snapshot {
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
	derived := state.Delta{Stage: "seed", Values: map[state.FieldID]state.Value{
		state.TheoreticalContext.ID:     "primer text",
		state.TerraformAnalysisMinor.ID: "baseline minor analysis",
		state.TerraformAnalysisMajor.ID: "baseline major analysis",
	}}
	if err := doc.Apply(derived); err != nil {
		t.Fatalf("seed derived fields: %v", err)
	}
	return doc.Snapshot(s.Inputs()...)
}

func newTestEnv(t *testing.T, snap state.Snapshot, completion llm.Completion, extractor evidence.Extractor) *stage.Context {
	t.Helper()
	dir := t.TempDir()
	if err := config.InitWorkDir(dir); err != nil {
		t.Fatalf("init work dir: %v", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	return stage.NewContext(cfg, "run-refine", nil).WithState(snap).WithCompletion(completion).WithExtractor(extractor)
}
