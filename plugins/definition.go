package plugins

import (
	"fmt"
	"strings"

	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
)

// StageDefinition describes a supplementary analysis stage loaded from a
// definition file.
//
// The struct mirrors the on-disk schema under .adrsynth/plugins/*.yaml and is
// intentionally narrow so definitions can be validated before the pipeline
// graph is built. Every definition produces into the supplementary findings
// mapping; the fields it consumes are declared explicitly and checked against
// the document schema.
type StageDefinition struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt      PromptDefinition         `json:"prompt" yaml:"prompt"`
	Consumes    []FieldBinding           `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	Concurrency stage.ConcurrencyProfile `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Config      stage.Config             `json:"config,omitempty" yaml:"config,omitempty"`
}

// Normalized returns a trimmed, copy-on-write variant of the definition.
func (def StageDefinition) Normalized() StageDefinition {
	clone := StageDefinition{
		ID:          strings.TrimSpace(def.ID),
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Prompt:      def.Prompt.normalized(),
		Concurrency: def.Concurrency,
	}
	if len(def.Consumes) > 0 {
		clone.Consumes = make([]FieldBinding, len(def.Consumes))
		for i, binding := range def.Consumes {
			clone.Consumes[i] = binding.normalized()
		}
	}
	if len(def.Config) > 0 {
		clone.Config = make(stage.Config, len(def.Config))
		for key, value := range def.Config {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			clone.Config[trimmed] = value
		}
	}
	return clone
}

// Validate ensures the definition is well-formed and references only declared
// document fields.
func (def StageDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.ID == "" {
		return fmt.Errorf("plugin: id is required")
	}
	if err := normalized.Prompt.Validate(); err != nil {
		return fmt.Errorf("plugin %s: prompt: %w", normalized.ID, err)
	}
	if err := validateBindings("consumes", normalized.Consumes); err != nil {
		return fmt.Errorf("plugin %s: %w", normalized.ID, err)
	}
	if normalized.Concurrency.Slots < 0 {
		return fmt.Errorf("plugin %s: concurrency slots must be >= 0", normalized.ID)
	}
	return nil
}

// PromptDefinition declares the completion call a supplementary stage makes.
// Zero-valued params keep the configured provider defaults.
type PromptDefinition struct {
	System      string  `json:"system,omitempty" yaml:"system,omitempty"`
	Template    string  `json:"template" yaml:"template"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

func (def PromptDefinition) normalized() PromptDefinition {
	return PromptDefinition{
		System:      strings.TrimSpace(def.System),
		Template:    strings.TrimSpace(def.Template),
		Model:       strings.TrimSpace(def.Model),
		Temperature: def.Temperature,
		MaxTokens:   def.MaxTokens,
	}
}

// Validate ensures the prompt is renderable and its params are sane.
func (def PromptDefinition) Validate() error {
	normalized := def.normalized()
	if normalized.Template == "" {
		return fmt.Errorf("template is required")
	}
	if normalized.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0")
	}
	if normalized.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 0")
	}
	return nil
}

// FieldBinding references a declared document field and whether the stage
// tolerates it being unset at dispatch. Optional bindings cover optional run
// inputs and fields produced by optional upstream stages.
type FieldBinding struct {
	Field    string `json:"field" yaml:"field"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

func (binding FieldBinding) normalized() FieldBinding {
	return FieldBinding{
		Field:    strings.TrimSpace(binding.Field),
		Optional: binding.Optional,
	}
}

// Validate ensures the binding references a declared field.
func (binding FieldBinding) Validate() error {
	normalized := binding.normalized()
	if normalized.Field == "" {
		return fmt.Errorf("field id is required")
	}
	field, ok := state.Lookup(state.FieldID(normalized.Field))
	if !ok {
		return fmt.Errorf("field %s is not declared", normalized.Field)
	}
	if field.ID == state.SupplementaryFindings.ID {
		return fmt.Errorf("field %s is written by supplementary stages and cannot be consumed", normalized.Field)
	}
	return nil
}

// Resolve returns the document field declared by the binding.
func (binding FieldBinding) Resolve() (state.Field, error) {
	normalized := binding.normalized()
	field, ok := state.Lookup(state.FieldID(normalized.Field))
	if !ok {
		return state.Field{}, fmt.Errorf("field %s is not declared", normalized.Field)
	}
	return field, nil
}

func validateBindings(label string, bindings []FieldBinding) error {
	if len(bindings) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(bindings))
	for idx, binding := range bindings {
		if err := binding.Validate(); err != nil {
			return fmt.Errorf("%s[%d]: %w", label, idx, err)
		}
		key := binding.normalized().Field
		if _, exists := seen[key]; exists {
			return fmt.Errorf("%s[%d]: duplicate field %s", label, idx, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
