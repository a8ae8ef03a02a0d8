package resolver

import (
	"fmt"
	"sort"

	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
)

// NodeState represents the resolver's understanding of a stage's readiness.
type NodeState string

const (
	NodeStateUnknown  NodeState = "unknown"
	NodeStatePending  NodeState = "pending"
	NodeStateReady    NodeState = "ready"
	NodeStateBlocked  NodeState = "blocked"
	NodeStateComplete NodeState = "complete"
	NodeStateSkipped  NodeState = "skipped"
	NodeStateError    NodeState = "error"
)

// Node captures a pipeline stage instance plus its dependency metadata.
type Node struct {
	ID           string
	Ref          workflow.StageRef
	Stage        stage.Stage
	Dependencies []string
	Dependents   []string

	State     NodeState
	BlockedBy []string
}

// Progress reports which stages a run has already settled. Stage IDs absent
// from every set are treated as not yet attempted.
type Progress struct {
	Committed map[string]bool
	Failed    map[string]bool
	Skipped   map[string]bool
}

// Resolver builds and evaluates the pipeline dependency graph.
type Resolver struct {
	definition workflow.Definition
	nodes      map[string]*Node
	orderedIDs []string
	ancestors  map[string]map[string]bool
}

// New constructs a resolver for the provided pipeline definition. Stages are
// instantiated via the registry immediately so downstream code can run them,
// and the composed graph is checked field by field before anything dispatches.
func New(def workflow.Definition, registry *stage.Registry) (*Resolver, error) {
	if registry == nil {
		return nil, fmt.Errorf("workflow: stage registry is required")
	}
	normalized, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*Node, len(normalized.Stages))
	ordered := make([]string, 0, len(normalized.Stages))
	for _, ref := range normalized.Stages {
		id := ref.InstanceID()
		st, err := registry.Resolve(ref.StageID, convertConfig(ref.Config))
		if err != nil {
			return nil, &workflow.ConstructionError{
				Pipeline: normalized.ID,
				Detail:   fmt.Sprintf("stage %s: %v", id, err),
			}
		}
		nodes[id] = &Node{
			ID:           id,
			Ref:          ref,
			Stage:        st,
			Dependencies: normalized.Dependencies(id),
		}
		ordered = append(ordered, id)
	}
	for _, id := range ordered {
		node := nodes[id]
		for _, depID := range node.Dependencies {
			dep, ok := nodes[depID]
			if !ok {
				return nil, &workflow.ConstructionError{
					Pipeline: normalized.ID,
					Detail:   fmt.Sprintf("dependency %s referenced by %s not declared", depID, node.ID),
				}
			}
			dep.Dependents = append(dep.Dependents, node.ID)
		}
	}
	for _, node := range nodes {
		if len(node.Dependents) > 1 {
			sort.Strings(node.Dependents)
		}
	}
	r := &Resolver{
		definition: normalized,
		nodes:      nodes,
		orderedIDs: ordered,
		ancestors:  buildAncestors(nodes, ordered),
	}
	if err := r.checkFields(); err != nil {
		return nil, err
	}
	return r, nil
}

// Definition returns a clone of the resolver's pipeline definition.
func (r *Resolver) Definition() workflow.Definition {
	return r.definition.Clone()
}

// Nodes returns the nodes in pipeline declaration order.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		if node, ok := r.nodes[id]; ok {
			out = append(out, node)
		}
	}
	return out
}

// Node retrieves a specific stage node by pipeline instance ID.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// Refresh re-evaluates node states from recorded run progress. Committed
// stages become complete, failed stages become errors, and stages downstream
// of a failure or skip are marked skipped themselves unless the upstream
// stage is optional. Callers should invoke Refresh before querying for
// runnable stages.
func (r *Resolver) Refresh(progress Progress) {
	for _, node := range r.nodes {
		node.BlockedBy = nil
		switch {
		case progress.Committed[node.ID]:
			node.State = NodeStateComplete
		case progress.Failed[node.ID]:
			node.State = NodeStateError
		case progress.Skipped[node.ID]:
			node.State = NodeStateSkipped
		default:
			node.State = NodeStatePending
		}
	}
	var settle func(*Node) NodeState
	settle = func(node *Node) NodeState {
		if node.State != NodeStatePending {
			return node.State
		}
		var doomed, waiting []string
		for _, depID := range node.Dependencies {
			dep := r.nodes[depID]
			switch settle(dep) {
			case NodeStateComplete:
			case NodeStateError, NodeStateSkipped:
				if dep.Ref.Optional {
					continue
				}
				doomed = append(doomed, depID)
			default:
				waiting = append(waiting, depID)
			}
		}
		switch {
		case len(doomed) > 0:
			node.State = NodeStateSkipped
			node.BlockedBy = doomed
		case len(waiting) > 0:
			node.State = NodeStateBlocked
			node.BlockedBy = waiting
		default:
			node.State = NodeStateReady
		}
		return node.State
	}
	for _, id := range r.orderedIDs {
		settle(r.nodes[id])
	}
}

// Ready returns nodes that are runnable because all dependencies committed.
func (r *Resolver) Ready() []*Node {
	var ready []*Node
	for _, id := range r.orderedIDs {
		if node := r.nodes[id]; node.State == NodeStateReady {
			ready = append(ready, node)
		}
	}
	return ready
}

// Skipped returns nodes that can no longer run this pass, in declaration
// order. The set includes stages recorded as skipped in the progress input.
func (r *Resolver) Skipped() []*Node {
	var skipped []*Node
	for _, id := range r.orderedIDs {
		if node := r.nodes[id]; node.State == NodeStateSkipped {
			skipped = append(skipped, node)
		}
	}
	return skipped
}

// Queue returns stages that must run to satisfy the requested targets. If no
// targets are provided, every incomplete stage is considered. Dependencies are
// returned before the stages that require them, and already-complete stages
// are left out.
func (r *Resolver) Queue(targets ...string) ([]*Node, error) {
	if len(targets) == 0 {
		targets = append([]string{}, r.orderedIDs...)
	}
	visited := make(map[string]bool, len(targets))
	ordered := make([]*Node, 0, len(r.nodes))
	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		node, ok := r.nodes[id]
		if !ok {
			return fmt.Errorf("workflow: unknown stage %s", id)
		}
		visited[id] = true
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if node.State != NodeStateComplete {
			ordered = append(ordered, node)
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// checkFields verifies the composed graph against the document schema: every
// read is covered, every write targets a derived field, and stages that may
// run concurrently only share an output when its field declares an explicit
// merge policy.
func (r *Resolver) checkFields() error {
	for _, id := range r.orderedIDs {
		node := r.nodes[id]
		for _, fieldID := range node.Stage.Outputs() {
			field, ok := state.Lookup(fieldID)
			if !ok {
				return r.constructionError("stage %s writes undeclared field %s", id, fieldID)
			}
			if field.Group != state.GroupDerived {
				return r.constructionError("stage %s writes input field %s", id, fieldID)
			}
		}
		for _, fieldID := range node.Stage.Inputs() {
			field, ok := state.Lookup(fieldID)
			if !ok {
				return r.constructionError("stage %s reads undeclared field %s", id, fieldID)
			}
			if field.Group == state.GroupInput || field.Optional {
				continue
			}
			if !r.covered(id, fieldID) {
				return r.constructionError("stage %s reads %s but no upstream stage produces it", id, fieldID)
			}
		}
		if routed, ok := node.Stage.(stage.Routed); ok {
			field, ok := state.Lookup(routed.EvidenceField())
			if !ok || field.Kind != state.KindEvidence {
				return r.constructionError("stage %s routes on %s which is not an evidence input", id, routed.EvidenceField())
			}
		}
	}
	for i, aID := range r.orderedIDs {
		for _, bID := range r.orderedIDs[i+1:] {
			if r.ancestors[aID][bID] || r.ancestors[bID][aID] {
				continue
			}
			for _, fieldID := range sharedOutputs(r.nodes[aID], r.nodes[bID]) {
				field, _ := state.Lookup(fieldID)
				switch field.Merge {
				case "", state.PolicyLastWriter:
					return r.constructionError("stages %s and %s may run concurrently and both write %s", aID, bID, fieldID)
				}
			}
		}
	}
	return nil
}

func (r *Resolver) constructionError(format string, args ...any) error {
	return &workflow.ConstructionError{
		Pipeline: r.definition.ID,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// covered reports whether any transitive dependency of the stage produces the
// field.
func (r *Resolver) covered(id string, fieldID state.FieldID) bool {
	for ancestor := range r.ancestors[id] {
		for _, out := range r.nodes[ancestor].Stage.Outputs() {
			if out == fieldID {
				return true
			}
		}
	}
	return false
}

func sharedOutputs(a, b *Node) []state.FieldID {
	seen := make(map[state.FieldID]bool, len(a.Stage.Outputs()))
	for _, out := range a.Stage.Outputs() {
		seen[out] = true
	}
	var shared []state.FieldID
	for _, out := range b.Stage.Outputs() {
		if seen[out] {
			shared = append(shared, out)
		}
	}
	return shared
}

func buildAncestors(nodes map[string]*Node, ordered []string) map[string]map[string]bool {
	memo := make(map[string]map[string]bool, len(nodes))
	var visit func(id string) map[string]bool
	visit = func(id string) map[string]bool {
		if got, ok := memo[id]; ok {
			return got
		}
		set := map[string]bool{}
		memo[id] = set
		for _, depID := range nodes[id].Dependencies {
			set[depID] = true
			for anc := range visit(depID) {
				set[anc] = true
			}
		}
		return set
	}
	for _, id := range ordered {
		visit(id)
	}
	return memo
}

func convertConfig(cfg workflow.StageConfig) stage.Config {
	if len(cfg) == 0 {
		return nil
	}
	out := make(stage.Config, len(cfg))
	for key, value := range cfg {
		out[key] = value
	}
	return out
}
