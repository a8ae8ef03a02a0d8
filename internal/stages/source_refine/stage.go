// Package source_refine improves one variant's analysis with evidence
// extracted from its source bundle. The stage is routed: when the bundle is
// absent the engine dispatches Fallback, which carries the baseline analysis
// forward unchanged and commits placeholder metadata.
package source_refine

import (
	"context"
	"fmt"
	"strings"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
)

const stageID = workflow.StageTypeSourceRefine

const systemPrompt = "You are a software architect reviewing an infrastructure analysis " +
	"against the application source code that runs on it."

// RefineStage reworks one variant's baseline analysis against extracted
// source evidence. Both bodies commit the same output field set.
type RefineStage struct {
	*stage.Base
	variant  string
	baseline state.FieldID
	bundle   state.FieldID
	output   state.FieldID
	metadata state.FieldID
}

var _ stage.Routed = (*RefineStage)(nil)

// Register installs the stage factory into the registry.
func Register(reg *stage.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(stageID, func(cfg stage.Config) (stage.Stage, error) {
		return New(cfg)
	})
}

// New constructs the stage for the configured variant, honoring a baseline
// override when the terraform branch is pruned.
func New(cfg stage.Config) (*RefineStage, error) {
	variant, err := variantFrom(cfg)
	if err != nil {
		return nil, err
	}
	s := &RefineStage{variant: variant}
	switch variant {
	case workflow.VariantMinor:
		s.baseline = state.TerraformAnalysisMinor.ID
		s.bundle = state.EvidenceMinor.ID
		s.output = state.ImprovedAnalysisMinor.ID
		s.metadata = state.ExtractionMetadataMinor.ID
	case workflow.VariantMajor:
		s.baseline = state.TerraformAnalysisMajor.ID
		s.bundle = state.EvidenceMajor.ID
		s.output = state.ImprovedAnalysisMajor.ID
		s.metadata = state.ExtractionMetadataMajor.ID
	}
	if err := s.overrideBaseline(cfg); err != nil {
		return nil, err
	}
	base := stage.NewBase(stage.Info{
		ID:          stageID,
		Name:        fmt.Sprintf("Source Refinement (%s)", variant),
		Description: "Refines one variant's analysis with evidence from its source bundle.",
		Variant:     variant,
	})
	inputs := []state.FieldID{state.TheoreticalContext.ID}
	if s.baseline != state.TheoreticalContext.ID {
		inputs = append(inputs, s.baseline)
	}
	inputs = append(inputs, s.bundle)
	base.SetInputs(inputs...)
	base.SetOutputs(s.output, s.metadata)
	s.Base = &base
	return s, nil
}

func (s *RefineStage) overrideBaseline(cfg stage.Config) error {
	raw, ok := cfg[workflow.ConfigKeyBaseline]
	if !ok {
		return nil
	}
	name, ok := raw.(string)
	if !ok {
		return fmt.Errorf("source-refine: baseline field must be a string, got %T", raw)
	}
	field, ok := state.Lookup(state.FieldID(name))
	if !ok {
		return fmt.Errorf("source-refine: baseline field %q is not declared", name)
	}
	if field.Kind != state.KindText {
		return fmt.Errorf("source-refine: baseline field %s is not text", field.ID)
	}
	s.baseline = field.ID
	return nil
}

// EvidenceField names the bundle whose presence selects the full body.
func (s *RefineStage) EvidenceField() state.FieldID {
	return s.bundle
}

// Run extracts the bundle and asks the completion service to rework the
// baseline analysis against it.
func (s *RefineStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	if err := validateEnv(env); err != nil {
		return state.Delta{}, err
	}
	ev := env.State.Evidence(s.bundle)
	if !ev.Present() {
		return state.Delta{}, fmt.Errorf("source-refine: %s bundle is absent", s.variant)
	}
	extraction, meta, err := env.Extractor.Extract(ctx, ev.Bundle(), extractionLimits(env.Config))
	if err != nil {
		return state.Delta{}, fmt.Errorf("source-refine: extract %s bundle: %w", s.variant, err)
	}
	meta.Variant = s.variant
	prompt := refinePrompt(
		env.State.Text(state.TheoreticalContext.ID),
		env.State.Text(s.baseline),
		extraction,
	)
	resp, err := env.Completion.Complete(ctx, llm.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return state.Delta{}, fmt.Errorf("source-refine: refine %s analysis: %w", s.variant, err)
	}
	return state.Delta{
		Stage: stageID,
		Values: map[state.FieldID]state.Value{
			s.output:   resp.Text,
			s.metadata: meta.Record(),
		},
	}, nil
}

// Fallback carries the baseline analysis forward when no bundle was supplied.
func (s *RefineStage) Fallback(ctx context.Context, env *stage.Context) (state.Delta, error) {
	if env == nil {
		return state.Delta{}, fmt.Errorf("source-refine: context is nil")
	}
	return state.Delta{
		Stage: stageID,
		Values: map[state.FieldID]state.Value{
			s.output:   env.State.Text(s.baseline),
			s.metadata: evidence.PlaceholderMeta(s.variant).Record(),
		},
	}, nil
}

func extractionLimits(cfg *config.Config) evidence.Limits {
	return evidence.Limits{
		MaxFiles:       cfg.Project.Extraction.MaxFiles,
		MaxFileSize:    cfg.Project.Extraction.MaxFileSize,
		SummarizeLarge: true,
	}
}

func refinePrompt(contextText, baseline string, extraction evidence.Evidence) string {
	var b strings.Builder
	section(&b, "THEORETICAL CONTEXT", contextText)
	section(&b, "PRIOR ANALYSIS", baseline)
	section(&b, "PROJECT STRUCTURE", extraction.Structure)
	section(&b, "SOURCE CODE", extraction.Combined)
	b.WriteString("TASK\n")
	b.WriteString("Rework the prior analysis against the source code above. Correct claims the\n")
	b.WriteString("code contradicts, keep claims it confirms, and add findings the infrastructure\n")
	b.WriteString("view could not see. Return the full improved analysis.\n")
	return b.String()
}

func section(b *strings.Builder, title, body string) {
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\n")
}

func variantFrom(cfg stage.Config) (string, error) {
	raw, ok := cfg[workflow.ConfigKeyVariant]
	if !ok {
		return "", fmt.Errorf("source-refine: variant is required")
	}
	variant, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("source-refine: variant must be a string, got %T", raw)
	}
	switch variant {
	case workflow.VariantMinor, workflow.VariantMajor:
		return variant, nil
	}
	return "", fmt.Errorf("source-refine: unknown variant %q", variant)
}

func validateEnv(env *stage.Context) error {
	if env == nil {
		return fmt.Errorf("source-refine: context is nil")
	}
	if env.Config == nil {
		return fmt.Errorf("source-refine: config is required")
	}
	if env.Completion == nil {
		return fmt.Errorf("source-refine: completion service is required")
	}
	if env.Extractor == nil {
		return fmt.Errorf("source-refine: evidence extractor is required")
	}
	return nil
}
