// Package stages wires the built-in pipeline stages into a registry. Each
// stage lives in its own subpackage and registers a factory keyed by the
// stage type identifiers the standard pipeline references.
package stages

import (
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/stages/architecture_diff"
	"github.com/nvidales/adrsynth/internal/stages/build_context"
	"github.com/nvidales/adrsynth/internal/stages/generate_adrs"
	"github.com/nvidales/adrsynth/internal/stages/source_refine"
	"github.com/nvidales/adrsynth/internal/stages/terraform_analysis"
)

// RegisterBuiltins installs all of the built-in stage factories into the
// provided registry.
func RegisterBuiltins(reg *stage.Registry) {
	if reg == nil {
		return
	}
	build_context.Register(reg)
	terraform_analysis.Register(reg)
	source_refine.Register(reg)
	architecture_diff.Register(reg)
	generate_adrs.Register(reg)
}
