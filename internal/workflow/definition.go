package workflow

import (
	"fmt"
	"sort"
)

// DependencyGraph maps pipeline-scoped stage identifiers to the stage IDs they
// depend on. The resolver treats the keys as aliases that correspond to
// StageRef.InstanceID().
type DependencyGraph map[string][]string

// Clone returns a deep copy of the graph.
func (g DependencyGraph) Clone() DependencyGraph {
	if len(g) == 0 {
		return nil
	}
	out := make(DependencyGraph, len(g))
	for key, deps := range g {
		if len(deps) == 0 {
			out[key] = nil
			continue
		}
		clone := make([]string, len(deps))
		copy(clone, deps)
		out[key] = clone
	}
	return out
}

// Definition declares an executable pipeline graph composed of stages plus any
// metadata required to render it inside the TUI.
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageRef        `json:"stages" yaml:"stages"`
	Graph       DependencyGraph   `json:"graph,omitempty" yaml:"graph,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     RuntimeConfig     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// Clone returns a deep copy of the pipeline definition.
func (def Definition) Clone() Definition {
	clone := Definition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Metadata:    cloneStringMap(def.Metadata),
		Graph:       def.Graph.Clone(),
		Runtime:     def.Runtime,
	}
	if len(def.Stages) > 0 {
		clone.Stages = make([]StageRef, len(def.Stages))
		for i, ref := range def.Stages {
			clone.Stages[i] = ref.Clone()
		}
	}
	return clone
}

// Validate ensures the pipeline definition is self-consistent. Violations are
// reported as *ConstructionError.
func (def Definition) Validate() error {
	if def.ID == "" {
		return constructionErrorf("", "id is required")
	}
	if len(def.Stages) == 0 {
		return constructionErrorf(def.ID, "at least one stage is required")
	}
	seen := map[string]struct{}{}
	for idx, ref := range def.Stages {
		if err := ref.Validate(); err != nil {
			return constructionErrorf(def.ID, "stage[%d]: %v", idx, err)
		}
		instanceID := ref.InstanceID()
		if _, exists := seen[instanceID]; exists {
			return constructionErrorf(def.ID, "duplicate stage instance id %s", instanceID)
		}
		seen[instanceID] = struct{}{}
	}
	for key, deps := range def.Graph {
		if _, ok := seen[key]; !ok {
			return constructionErrorf(def.ID, "graph references unknown stage %s", key)
		}
		for _, dep := range deps {
			if _, ok := seen[dep]; !ok {
				return constructionErrorf(def.ID, "graph dependency %s -> %s references unknown stage", key, dep)
			}
		}
	}
	if cycle := findCycle(def); len(cycle) > 0 {
		return constructionErrorf(def.ID, "dependency cycle: %s", joinCycle(cycle))
	}
	if err := def.Runtime.validate(); err != nil {
		return constructionErrorf(def.ID, "runtime: %v", err)
	}
	return nil
}

// Normalized clones the definition, merges any inline stage dependencies into
// the graph, and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	if clone.Graph == nil {
		clone.Graph = DependencyGraph{}
	}
	for _, ref := range clone.Stages {
		id := ref.InstanceID()
		clone.Graph[id] = mergeDependencies(clone.Graph[id], ref.DependsOn)
	}
	clone.Runtime = clone.Runtime.normalized()
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// RuntimeConfig configures execution constraints for a pipeline.
type RuntimeConfig struct {
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.MaxParallel < 0 {
		cfg.MaxParallel = 0
	}
	return cfg
}

func (cfg RuntimeConfig) validate() error {
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0")
	}
	return nil
}

// StageIDs returns the pipeline-scoped identifiers in declaration order.
func (def Definition) StageIDs() []string {
	ids := make([]string, 0, len(def.Stages))
	for _, ref := range def.Stages {
		ids = append(ids, ref.InstanceID())
	}
	return ids
}

// Dependencies returns the dependency list for a stage instance.
func (def Definition) Dependencies(id string) []string {
	if def.Graph == nil {
		return nil
	}
	deps := def.Graph[id]
	if len(deps) == 0 {
		return nil
	}
	clone := make([]string, len(deps))
	copy(clone, deps)
	return clone
}

// StageRef describes how a pipeline composes and configures a stage.
type StageRef struct {
	ID          string      `json:"id,omitempty" yaml:"id,omitempty"`
	StageID     string      `json:"stage" yaml:"stage"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config      StageConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Optional    bool        `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Clone returns a deep copy of the stage reference.
func (ref StageRef) Clone() StageRef {
	clone := StageRef{
		ID:          ref.ID,
		StageID:     ref.StageID,
		Name:        ref.Name,
		Description: ref.Description,
		Optional:    ref.Optional,
	}
	if len(ref.DependsOn) > 0 {
		clone.DependsOn = cloneStringSlice(ref.DependsOn)
	}
	if len(ref.Config) > 0 {
		clone.Config = ref.Config.Clone()
	}
	return clone
}

// StageConfig carries stage-specific overrides (opaque to the runtime).
type StageConfig map[string]any

// Clone returns a shallow copy of the config map.
func (cfg StageConfig) Clone() StageConfig {
	if len(cfg) == 0 {
		return nil
	}
	clone := make(StageConfig, len(cfg))
	for key, value := range cfg {
		clone[key] = value
	}
	return clone
}

// InstanceID returns the pipeline-local identifier used by dependency graphs.
func (ref StageRef) InstanceID() string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.StageID
}

// Validate ensures the reference is usable.
func (ref StageRef) Validate() error {
	if ref.StageID == "" {
		return fmt.Errorf("workflow: stage id is required")
	}
	deps := append([]string{}, ref.DependsOn...)
	sort.Strings(deps)
	for i := 1; i < len(deps); i++ {
		if deps[i] == deps[i-1] {
			return fmt.Errorf("workflow: stage %s has duplicate dependency on %s", ref.InstanceID(), deps[i])
		}
	}
	return nil
}

// findCycle walks the merged graph looking for a dependency cycle. Returns the
// cycle path when one exists, nil otherwise.
func findCycle(def Definition) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := map[string]int{}
	var cycle []string
	var visit func(id string, trail []string) bool
	visit = func(id string, trail []string) bool {
		switch colors[id] {
		case visiting:
			start := 0
			for i, seen := range trail {
				if seen == id {
					start = i
					break
				}
			}
			cycle = append(append([]string{}, trail[start:]...), id)
			return true
		case done:
			return false
		}
		colors[id] = visiting
		for _, dep := range def.Graph[id] {
			if visit(dep, append(trail, id)) {
				return true
			}
		}
		colors[id] = done
		return false
	}
	for _, ref := range def.Stages {
		if visit(ref.InstanceID(), nil) {
			return cycle
		}
	}
	return nil
}

func joinCycle(cycle []string) string {
	out := ""
	for i, id := range cycle {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}

func mergeDependencies(existing, adds []string) []string {
	if len(adds) == 0 && len(existing) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	for _, id := range existing {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	for _, id := range adds {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
