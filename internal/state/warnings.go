package state

import "fmt"

// RoutingWarning records a fallback routing decision. Warnings are
// informational: they degrade a stage to its fallback path and surface in
// the final report, but never abort a run.
type RoutingWarning struct {
	Stage     string `json:"stage,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Reason    string `json:"reason"`
	Aggregate bool   `json:"aggregate,omitempty"`
}

func (w RoutingWarning) String() string {
	if w.Aggregate {
		return fmt.Sprintf("run degraded: %s", w.Reason)
	}
	if w.Variant != "" {
		return fmt.Sprintf("%s (%s): %s", w.Stage, w.Variant, w.Reason)
	}
	return fmt.Sprintf("%s: %s", w.Stage, w.Reason)
}
