// Package build_context seeds the shared framing every later analysis builds
// on: the theoretical context the completion prompts open with, and a survey
// of the project layout taken from whichever source bundle was supplied.
package build_context

import (
	"context"
	"fmt"
	"strings"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
)

const stageID = workflow.StageTypeBuildContext

const theoreticalPrimer = `ARCHITECTURAL EVOLUTION PRIMER

Software systems evolve along two broad paths. Incremental evolution keeps the
existing decomposition and improves it in place: extracting shared libraries,
tightening module boundaries, adding caching or queueing where load demands
it. Structural evolution changes the decomposition itself, most often towards
microservices: independently deployable units, per-service state, asynchronous
contracts between them.

Signals that distinguish the two in infrastructure code:
- Deployment units: one compute definition versus many small ones.
- State: a shared database versus per-service stores.
- Communication: in-process calls versus queues, topics, and service discovery.
- Scaling: whole-system scaling versus per-service autoscaling.
- Operational surface: one pipeline and one runbook versus many.

A credible architecture analysis names concrete resources as evidence, states
its verdict with a confidence level, and lists the signals arguing against the
verdict alongside those supporting it.`

const noBundleStructure = "PROJECT STRUCTURE ANALYSIS\n\nNo source bundle supplied."

// ContextStage produces the theoretical context and project structure fields.
type ContextStage struct {
	*stage.Base
}

// Register installs the stage factory into the registry.
func Register(reg *stage.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(stageID, func(stage.Config) (stage.Stage, error) {
		return New(), nil
	})
}

// New constructs the stage with its field contracts.
func New() *ContextStage {
	base := stage.NewBase(stage.Info{
		ID:          stageID,
		Name:        "Build Context",
		Description: "Produces the theoretical framing and a survey of the project layout.",
	})
	base.SetInputs(
		state.ProjectName.ID,
		state.ProjectDescription.ID,
		state.EvidenceMinor.ID,
		state.EvidenceMajor.ID,
	)
	base.SetOutputs(
		state.TheoreticalContext.ID,
		state.ProjectStructure.ID,
	)
	return &ContextStage{Base: &base}
}

// Run assembles the framing and surveys the first available bundle. A failed
// survey degrades to the no-bundle structure rather than failing the run; the
// refinement stages are the ones that treat extraction failures as hard.
func (s *ContextStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	if err := validateEnv(env); err != nil {
		return state.Delta{}, err
	}
	framing := framingFor(
		env.State.Text(state.ProjectName.ID),
		env.State.Text(state.ProjectDescription.ID),
	)
	structure := noBundleStructure
	if bundle, label := firstBundle(env.State); bundle != "" {
		extraction, _, err := env.Extractor.Extract(ctx, bundle, surveyLimits(env.Config))
		if err != nil {
			env.Logbook.Warn("build-context: survey %s bundle: %v", label, err)
		} else {
			structure = extraction.Structure
		}
	}
	return state.Delta{
		Stage: stageID,
		Values: map[state.FieldID]state.Value{
			state.TheoreticalContext.ID: framing,
			state.ProjectStructure.ID:   structure,
		},
	}, nil
}

func framingFor(name, description string) string {
	var b strings.Builder
	b.WriteString("PROJECT UNDER ANALYSIS\n\n")
	b.WriteString(strings.TrimSpace(name))
	if desc := strings.TrimSpace(description); desc != "" {
		b.WriteString(": ")
		b.WriteString(desc)
	}
	b.WriteString("\n\n")
	b.WriteString(theoreticalPrimer)
	return b.String()
}

// firstBundle prefers the minor bundle when both are supplied.
func firstBundle(snap state.Snapshot) (string, string) {
	if ev := snap.Evidence(state.EvidenceMinor.ID); ev.Present() {
		return ev.Bundle(), workflow.VariantMinor
	}
	if ev := snap.Evidence(state.EvidenceMajor.ID); ev.Present() {
		return ev.Bundle(), workflow.VariantMajor
	}
	return "", ""
}

// The survey only needs the layout, so oversized files stay unsummarized.
func surveyLimits(cfg *config.Config) evidence.Limits {
	return evidence.Limits{
		MaxFiles:    cfg.Project.Extraction.MaxFiles,
		MaxFileSize: cfg.Project.Extraction.MaxFileSize,
	}
}

func validateEnv(env *stage.Context) error {
	if env == nil {
		return fmt.Errorf("build-context: context is nil")
	}
	if env.Config == nil {
		return fmt.Errorf("build-context: config is required")
	}
	if env.Extractor == nil {
		return fmt.Errorf("build-context: evidence extractor is required")
	}
	return nil
}
