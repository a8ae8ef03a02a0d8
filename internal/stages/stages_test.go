package stages

import (
	"slices"
	"testing"

	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/workflow"
)

func TestRegisterBuiltinsCoversStandardStageTypes(t *testing.T) {
	reg := stage.NewRegistry()
	RegisterBuiltins(reg)
	want := []string{
		workflow.StageTypeBuildContext,
		workflow.StageTypeTerraformAnalysis,
		workflow.StageTypeSourceRefine,
		workflow.StageTypeArchitectureDiff,
		workflow.StageTypeGenerateADRs,
	}
	slices.Sort(want)
	if got := reg.IDs(); !slices.Equal(got, want) {
		t.Fatalf("registered %v, want %v", got, want)
	}
}

func TestRegisterBuiltinsToleratesNilRegistry(t *testing.T) {
	RegisterBuiltins(nil)
}

func TestStandardPipelineResolvesAgainstBuiltins(t *testing.T) {
	reg := stage.NewRegistry()
	RegisterBuiltins(reg)
	flagSets := []workflow.Flags{
		{IncludeTerraform: true, IncludeMajor: true},
		{IncludeTerraform: true, IncludeMajor: false},
		{IncludeTerraform: false, IncludeMajor: true},
		{IncludeTerraform: false, IncludeMajor: false},
	}
	for _, flags := range flagSets {
		def, err := workflow.StandardDefinition(flags)
		if err != nil {
			t.Fatalf("standard definition under %+v: %v", flags, err)
		}
		for _, ref := range def.Stages {
			s, err := reg.Resolve(ref.StageID, stage.Config(ref.Config))
			if err != nil {
				t.Fatalf("resolve %s under %+v: %v", ref.ID, flags, err)
			}
			if s.Info().ID != ref.StageID {
				t.Fatalf("stage %s reports id %s", ref.ID, s.Info().ID)
			}
		}
	}
}
