package plugins

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
)

const defaultSystemPrompt = "You are a software architecture reviewer contributing supplementary findings to an analysis."

// promptStage executes one supplementary definition. It renders the prompt
// template over the consumed snapshot fields, runs a single completion, and
// commits the response under its own ID in the findings mapping.
type promptStage struct {
	*stage.Base
	definition StageDefinition
	consumes   []FieldBinding
	config     stage.Config
	tmpl       *template.Template
}

var _ stage.Stage = (*promptStage)(nil)

// newPromptStage validates the definition and parses its template, so a broken
// plugin fails at graph construction rather than mid-run.
func newPromptStage(def StageDefinition, overrides stage.Config) (*promptStage, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	normalized := def.Normalized()
	tmpl, err := template.New(normalized.ID).Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(normalized.Prompt.Template)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: parse prompt template: %w", normalized.ID, err)
	}
	base := stage.NewBase(stage.Info{
		ID:          normalized.ID,
		Name:        defaultStageName(normalized),
		Description: normalized.Description,
		Concurrency: normalized.Concurrency,
	})
	inputs := make([]state.FieldID, len(normalized.Consumes))
	for i, binding := range normalized.Consumes {
		inputs[i] = state.FieldID(binding.Field)
	}
	base.SetInputs(inputs...)
	base.SetOutputs(state.SupplementaryFindings.ID)
	return &promptStage{
		Base:       &base,
		definition: normalized,
		consumes:   normalized.Consumes,
		config:     mergeConfigs(normalized.Config, overrides),
		tmpl:       tmpl,
	}, nil
}

// Run renders the prompt, completes it, and commits the finding.
func (s *promptStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	if err := s.validateEnv(env); err != nil {
		return state.Delta{}, err
	}
	prompt, err := s.renderPrompt(env)
	if err != nil {
		return state.Delta{}, err
	}
	resp, err := env.Completion.Complete(ctx, llm.Request{
		System: s.systemText(),
		Prompt: prompt,
		Params: llm.Params{
			Model:       s.definition.Prompt.Model,
			Temperature: s.definition.Prompt.Temperature,
			MaxTokens:   s.definition.Prompt.MaxTokens,
		},
	})
	if err != nil {
		return state.Delta{}, fmt.Errorf("%s: completion: %w", s.definition.ID, err)
	}
	return state.Delta{
		Stage: s.definition.ID,
		Values: map[state.FieldID]state.Value{
			state.SupplementaryFindings.ID: map[string]any{s.definition.ID: resp.Text},
		},
	}, nil
}

func (s *promptStage) renderPrompt(env *stage.Context) (string, error) {
	fields := make(map[string]any, len(s.consumes))
	for _, binding := range s.consumes {
		value, ok := env.State.Value(state.FieldID(binding.Field))
		if !ok {
			if !binding.Optional {
				return "", fmt.Errorf("%s: required field %s is unset", s.definition.ID, binding.Field)
			}
			fields[binding.Field] = ""
			continue
		}
		fields[binding.Field] = value
	}
	data := map[string]any{
		"Definition": s.definition,
		"Fields":     fields,
		"Config":     s.config,
		"RunID":      env.RunID,
	}
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%s: render prompt: %w", s.definition.ID, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (s *promptStage) systemText() string {
	if s.definition.Prompt.System != "" {
		return s.definition.Prompt.System
	}
	return defaultSystemPrompt
}

func (s *promptStage) validateEnv(env *stage.Context) error {
	if env == nil {
		return fmt.Errorf("%s: context is nil", s.definition.ID)
	}
	if env.Config == nil {
		return fmt.Errorf("%s: config is required", s.definition.ID)
	}
	if env.Completion == nil {
		return fmt.Errorf("%s: completion service is required", s.definition.ID)
	}
	return nil
}

func defaultStageName(def StageDefinition) string {
	if strings.TrimSpace(def.Name) != "" {
		return def.Name
	}
	return def.ID
}

func mergeConfigs(base, override stage.Config) stage.Config {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(stage.Config)
	for k, v := range base {
		if key := strings.TrimSpace(k); key != "" {
			merged[key] = v
		}
	}
	for k, v := range override {
		if key := strings.TrimSpace(k); key != "" {
			merged[key] = v
		}
	}
	return merged
}
