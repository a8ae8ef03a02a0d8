package router

import (
	"fmt"

	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
)

// Route names which stage body executes.
type Route string

const (
	// RouteFull runs the stage's primary body against the evidence bundle.
	RouteFull Route = "full"
	// RouteFallback runs the degraded body that carries upstream analysis
	// forward without evidence.
	RouteFallback Route = "fallback"
)

// Decision records one routing evaluation.
type Decision struct {
	Stage   string `json:"stage"`
	Variant string `json:"variant,omitempty"`
	Route   Route  `json:"route"`
	Reason  string `json:"reason"`
}

// Decide evaluates an evidence-gated stage against the run's input snapshot.
// Presence of the bundle selects the full body; anything else selects the
// fallback. The snapshot alone determines the outcome.
func Decide(id string, routed stage.Routed, snap state.Snapshot) Decision {
	info := routed.Info()
	field := routed.EvidenceField()
	evidence := snap.Evidence(field)
	if evidence.Present() {
		return Decision{
			Stage:   id,
			Variant: info.Variant,
			Route:   RouteFull,
			Reason:  fmt.Sprintf("evidence bundle %s supplied", evidence.Bundle()),
		}
	}
	return Decision{
		Stage:   id,
		Variant: info.Variant,
		Route:   RouteFallback,
		Reason:  fmt.Sprintf("no bundle supplied for %s", field),
	}
}

// Warning converts a fallback decision into its run warning. Full routes
// produce none.
func (d Decision) Warning() *state.RoutingWarning {
	if d.Route != RouteFallback {
		return nil
	}
	return &state.RoutingWarning{
		Stage:   d.Stage,
		Variant: d.Variant,
		Reason:  "source evidence not available, carrying upstream analysis forward",
	}
}

// Aggregate returns the single run-level warning for a routed group that fell
// back entirely, or nil when any member ran its full body. The engine calls
// this once per run, after every routing decision in the group is known.
func Aggregate(decisions []Decision) *state.RoutingWarning {
	if len(decisions) == 0 {
		return nil
	}
	for _, d := range decisions {
		if d.Route != RouteFallback {
			return nil
		}
	}
	return &state.RoutingWarning{
		Aggregate: true,
		Reason:    "no variant had source evidence, all analyses carried forward unrefined",
	}
}
