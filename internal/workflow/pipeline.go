package workflow

// Stage type identifiers registered by the stages package.
const (
	StageTypeBuildContext      = "build-context"
	StageTypeTerraformAnalysis = "terraform-analysis"
	StageTypeSourceRefine      = "source-refine"
	StageTypeArchitectureDiff  = "architecture-diff"
	StageTypeGenerateADRs      = "generate-adrs"
)

// Instance identifiers of the standard pipeline.
const (
	StageBuildContext     = "build-context"
	StageTerraformMinor   = "terraform-minor"
	StageTerraformMajor   = "terraform-major"
	StageSourceMinor      = "source-minor"
	StageSourceMajor      = "source-major"
	StageArchitectureDiff = "architecture-diff"
	StageGenerateADRs     = "generate-adrs"
)

// Variant labels used across routing decisions, warnings, and stage configs.
const (
	VariantMinor = "minor"
	VariantMajor = "major"
)

// Stage config keys understood by the standard stage factories.
const (
	// ConfigKeyVariant selects which change track a variant stage analyzes.
	ConfigKeyVariant = "variant"
	// ConfigKeyBaseline names the field a refinement stage starts from. Set
	// when the terraform branch is pruned and refinement works directly off
	// the theoretical context.
	ConfigKeyBaseline = "baseline_field"
	// ConfigKeyIncludeMajor tells the diff stage whether the major track is
	// active. Absent means both refinements are consumed.
	ConfigKeyIncludeMajor = "include_major"
)

// Flags toggles optional branches of the standard pipeline before a run.
type Flags struct {
	// IncludeTerraform keeps the terraform analysis pair. When false the
	// refinement stages consume the theoretical context directly.
	IncludeTerraform bool `json:"include_terraform"`
	// IncludeMajor keeps the major change track. When false only the minor
	// track runs and the diff consumes a single refinement.
	IncludeMajor bool `json:"include_major"`
}

// StandardDefinition returns the ADR synthesis pipeline with the requested
// branches active. Supplementary stage refs insert between the diff and the
// generation stage, all parallel to each other. The result is normalized and
// therefore structurally valid; callers still run field-level construction
// checks through the resolver.
func StandardDefinition(flags Flags, supplements ...StageRef) (Definition, error) {
	def := Definition{
		ID:          "adr-synth",
		Name:        "ADR Synthesis",
		Description: "Multi-stage architecture analysis producing decision records",
		Stages: []StageRef{
			{ID: StageBuildContext, StageID: StageTypeBuildContext},
		},
	}

	sourceDeps := map[string]string{
		VariantMinor: StageBuildContext,
		VariantMajor: StageBuildContext,
	}
	baseline := map[string]string{}

	if flags.IncludeTerraform {
		def.Stages = append(def.Stages, StageRef{
			ID:        StageTerraformMinor,
			StageID:   StageTypeTerraformAnalysis,
			DependsOn: []string{StageBuildContext},
			Config:    StageConfig{ConfigKeyVariant: VariantMinor},
		})
		sourceDeps[VariantMinor] = StageTerraformMinor
		if flags.IncludeMajor {
			def.Stages = append(def.Stages, StageRef{
				ID:        StageTerraformMajor,
				StageID:   StageTypeTerraformAnalysis,
				DependsOn: []string{StageBuildContext},
				Config:    StageConfig{ConfigKeyVariant: VariantMajor},
			})
			sourceDeps[VariantMajor] = StageTerraformMajor
		}
	} else {
		baseline[VariantMinor] = "theoretical_context"
		baseline[VariantMajor] = "theoretical_context"
	}

	diffDeps := []string{StageSourceMinor}
	def.Stages = append(def.Stages, sourceRef(StageSourceMinor, VariantMinor, sourceDeps[VariantMinor], baseline[VariantMinor]))
	if flags.IncludeMajor {
		def.Stages = append(def.Stages, sourceRef(StageSourceMajor, VariantMajor, sourceDeps[VariantMajor], baseline[VariantMajor]))
		diffDeps = append(diffDeps, StageSourceMajor)
	}

	diffRef := StageRef{
		ID:        StageArchitectureDiff,
		StageID:   StageTypeArchitectureDiff,
		DependsOn: diffDeps,
	}
	if !flags.IncludeMajor {
		diffRef.Config = StageConfig{ConfigKeyIncludeMajor: false}
	}
	def.Stages = append(def.Stages, diffRef)

	generateDeps := []string{StageArchitectureDiff}
	for _, supplement := range supplements {
		ref := supplement.Clone()
		ref.DependsOn = mergeDependencies(ref.DependsOn, []string{StageArchitectureDiff})
		def.Stages = append(def.Stages, ref)
		generateDeps = append(generateDeps, ref.InstanceID())
	}

	def.Stages = append(def.Stages, StageRef{
		ID:        StageGenerateADRs,
		StageID:   StageTypeGenerateADRs,
		DependsOn: generateDeps,
	})

	return def.Normalized()
}

func sourceRef(id, variant, dependsOn, baseline string) StageRef {
	cfg := StageConfig{ConfigKeyVariant: variant}
	if baseline != "" {
		cfg[ConfigKeyBaseline] = baseline
	}
	return StageRef{
		ID:        id,
		StageID:   StageTypeSourceRefine,
		DependsOn: []string{dependsOn},
		Config:    cfg,
	}
}
