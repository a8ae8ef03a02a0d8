package plugins

import (
	"fmt"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/workflow"
)

// RegisterSupplements discovers YAML and Go stage definitions under the config
// plugins directory, registers a factory for each, and returns the stage refs
// callers pass to the engine as pipeline supplements. The refs are optional: a
// failed supplement skips its findings instead of dooming generation.
func RegisterSupplements(reg *stage.Registry, cfg *config.Config) ([]workflow.StageRef, error) {
	if reg == nil || cfg == nil {
		return nil, nil
	}
	files, err := loadAllDefinitionFiles(cfg.PluginsDir())
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	seen := make(map[string]string)
	refs := make([]workflow.StageRef, 0, len(files))
	for _, file := range files {
		def := file.Definition
		if existing, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("plugin: duplicate stage id %s (%s and %s)", def.ID, existing, file.Path)
		}
		seen[def.ID] = file.Path
		defCopy := def
		if err := reg.Register(defCopy.ID, func(overrides stage.Config) (stage.Stage, error) {
			return newPromptStage(defCopy, overrides)
		}); err != nil {
			return nil, fmt.Errorf("plugin: register %s from %s: %w", def.ID, file.Path, err)
		}
		refs = append(refs, workflow.StageRef{
			StageID:     def.ID,
			Name:        def.Name,
			Description: def.Description,
			Optional:    true,
		})
	}
	return refs, nil
}

func loadAllDefinitionFiles(dir string) ([]DefinitionFile, error) {
	yamlDefs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	goDefs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	return append(yamlDefs, goDefs...), nil
}
