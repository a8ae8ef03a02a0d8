// Package terraform_analysis reads one variant's Terraform plan and asks the
// completion service for an architecture verdict over it. The stage is
// registered once and instantiated per variant through its config.
package terraform_analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/nvidales/adrsynth/internal/artifact"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
)

const stageID = workflow.StageTypeTerraformAnalysis

const systemPrompt = "You are an infrastructure architect. You analyze Terraform " +
	"definitions for architecture signals and ground every claim in specific resources."

// AnalysisStage produces the architecture analysis for one change variant.
type AnalysisStage struct {
	*stage.Base
	variant string
	subject state.FieldID
	output  state.FieldID
	plan    artifact.Ref
}

// Register installs the stage factory into the registry.
func Register(reg *stage.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(stageID, func(cfg stage.Config) (stage.Stage, error) {
		return New(cfg)
	})
}

// New constructs the stage for the configured variant.
func New(cfg stage.Config) (*AnalysisStage, error) {
	variant, err := variantFrom(cfg)
	if err != nil {
		return nil, err
	}
	s := &AnalysisStage{variant: variant}
	switch variant {
	case workflow.VariantMinor:
		s.subject = state.VariantMinor.ID
		s.output = state.TerraformAnalysisMinor.ID
		s.plan = artifact.TerraformMinorPlan
	case workflow.VariantMajor:
		s.subject = state.VariantMajor.ID
		s.output = state.TerraformAnalysisMajor.ID
		s.plan = artifact.TerraformMajorPlan
	}
	base := stage.NewBase(stage.Info{
		ID:          stageID,
		Name:        fmt.Sprintf("Terraform Analysis (%s)", variant),
		Description: "Analyzes one variant's infrastructure definition for architecture signals.",
		Variant:     variant,
	})
	base.SetInputs(
		state.TheoreticalContext.ID,
		state.ProjectStructure.ID,
		s.subject,
		state.KnowledgeRef.ID,
	)
	base.SetOutputs(s.output)
	s.Base = &base
	return s, nil
}

// Run reads the plan and the optional rule catalog, then prompts for the
// architecture verdict.
func (s *AnalysisStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	if err := validateEnv(env); err != nil {
		return state.Delta{}, err
	}
	plan, err := env.Artifacts.Read(s.plan)
	if err != nil {
		return state.Delta{}, fmt.Errorf("terraform-analysis: read %s plan: %w", s.variant, err)
	}
	catalog, err := ruleCatalog(env)
	if err != nil {
		return state.Delta{}, err
	}
	prompt := analysisPrompt(
		env.State.Text(state.TheoreticalContext.ID),
		catalog,
		env.State.Text(state.ProjectStructure.ID),
		env.State.Text(s.subject),
		string(plan),
	)
	resp, err := env.Completion.Complete(ctx, llm.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return state.Delta{}, fmt.Errorf("terraform-analysis: %s analysis: %w", s.variant, err)
	}
	return state.Delta{
		Stage:  stageID,
		Values: map[state.FieldID]state.Value{s.output: resp.Text},
	}, nil
}

// ruleCatalog loads the knowledge base when the run configured one. A
// configured catalog that cannot be read is a hard error, not a degradation.
func ruleCatalog(env *stage.Context) (string, error) {
	if !env.State.Has(state.KnowledgeRef.ID) {
		return "", nil
	}
	data, err := env.Artifacts.Read(artifact.KnowledgeBaseDoc)
	if err != nil {
		return "", fmt.Errorf("terraform-analysis: read rule catalog: %w", err)
	}
	return string(data), nil
}

func analysisPrompt(contextText, catalog, structure, subject, plan string) string {
	if strings.TrimSpace(catalog) == "" {
		catalog = "No rule catalog provided."
	}
	var b strings.Builder
	section(&b, "THEORETICAL CONTEXT", contextText)
	section(&b, "IAC RULE CATALOG", catalog)
	section(&b, "PROJECT STRUCTURE", structure)
	section(&b, fmt.Sprintf("TERRAFORM CODE (%s)", subject), plan)
	b.WriteString("TASK\n")
	b.WriteString("State whether this infrastructure implements a microservices architecture.\n")
	b.WriteString("Give a verdict with a confidence level, the signals supporting it, and the\n")
	b.WriteString("signals against it. Cite specific resources from the Terraform code.\n")
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
		return "", fmt.Errorf("terraform-analysis: variant is required")
	}
	variant, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("terraform-analysis: variant must be a string, got %T", raw)
	}
	switch variant {
	case workflow.VariantMinor, workflow.VariantMajor:
		return variant, nil
	}
	return "", fmt.Errorf("terraform-analysis: unknown variant %q", variant)
}

func validateEnv(env *stage.Context) error {
	if env == nil {
		return fmt.Errorf("terraform-analysis: context is nil")
	}
	if env.Config == nil {
		return fmt.Errorf("terraform-analysis: config is required")
	}
	if env.Completion == nil {
		return fmt.Errorf("terraform-analysis: completion service is required")
	}
	if env.Artifacts == nil {
		return fmt.Errorf("terraform-analysis: artifact store is required")
	}
	return nil
}
