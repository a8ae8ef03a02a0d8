// Package architecture_diff compares the refined variant analyses and names
// the key decisions separating the two evolution paths.
package architecture_diff

import (
	"context"
	"fmt"
	"strings"

	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
)

const stageID = workflow.StageTypeArchitectureDiff

const systemPrompt = "You are a software architect comparing evolution paths for the same system."

// DiffStage produces the architecture comparison. When the major track is
// pruned it summarizes the decisions of the single remaining path instead.
type DiffStage struct {
	*stage.Base
	includeMajor bool
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

// New constructs the stage, consuming the major refinement unless the config
// disables that track.
func New(cfg stage.Config) (*DiffStage, error) {
	includeMajor := true
	if raw, ok := cfg[workflow.ConfigKeyIncludeMajor]; ok {
		flag, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("architecture-diff: include_major must be a bool, got %T", raw)
		}
		includeMajor = flag
	}
	base := stage.NewBase(stage.Info{
		ID:          stageID,
		Name:        "Architecture Diff",
		Description: "Compares the refined analyses and names the decisions separating them.",
	})
	inputs := []state.FieldID{state.TheoreticalContext.ID, state.ImprovedAnalysisMinor.ID}
	if includeMajor {
		inputs = append(inputs, state.ImprovedAnalysisMajor.ID)
	}
	base.SetInputs(inputs...)
	base.SetOutputs(state.ArchitectureDiff.ID)
	return &DiffStage{Base: &base, includeMajor: includeMajor}, nil
}

// Run prompts for at most five key decisions between the evolution paths.
func (s *DiffStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	if err := validateEnv(env); err != nil {
		return state.Delta{}, err
	}
	var b strings.Builder
	section(&b, "THEORETICAL CONTEXT", env.State.Text(state.TheoreticalContext.ID))
	section(&b, "MINOR EVOLUTION ANALYSIS", env.State.Text(state.ImprovedAnalysisMinor.ID))
	if s.includeMajor {
		section(&b, "MAJOR EVOLUTION ANALYSIS", env.State.Text(state.ImprovedAnalysisMajor.ID))
		b.WriteString("TASK\n")
		b.WriteString("Compare the two evolution paths. Identify at most five key architecture\n")
		b.WriteString("decisions that separate them. For each decision state what each path chose\n")
		b.WriteString("and the tradeoff that choice carries.\n")
	} else {
		b.WriteString("TASK\n")
		b.WriteString("Identify at most five key architecture decisions embodied in this evolution\n")
		b.WriteString("path. For each decision state what was chosen, what it rules out, and the\n")
		b.WriteString("tradeoff it carries.\n")
	}
	resp, err := env.Completion.Complete(ctx, llm.Request{System: systemPrompt, Prompt: b.String()})
	if err != nil {
		return state.Delta{}, fmt.Errorf("architecture-diff: compare analyses: %w", err)
	}
	return state.Delta{
		Stage:  stageID,
		Values: map[state.FieldID]state.Value{state.ArchitectureDiff.ID: resp.Text},
	}, nil
}

func section(b *strings.Builder, title, body string) {
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\n")
}

func validateEnv(env *stage.Context) error {
	if env == nil {
		return fmt.Errorf("architecture-diff: context is nil")
	}
	if env.Config == nil {
		return fmt.Errorf("architecture-diff: config is required")
	}
	if env.Completion == nil {
		return fmt.Errorf("architecture-diff: completion service is required")
	}
	return nil
}
