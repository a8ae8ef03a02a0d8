package plugins

import (
	"strings"
	"testing"

	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
)

func TestStageDefinitionValidate(t *testing.T) {
	def := StageDefinition{
		ID:          "cost-review",
		Name:        "Cost Review",
		Description: "Reviews the compared decisions for cost implications",
		Prompt: PromptDefinition{
			Template: "Assess cost implications.\n\n{{.Fields.architecture_diff}}",
		},
		Consumes: []FieldBinding{{Field: "architecture_diff"}},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("expected definition to validate, got %v", err)
	}
}

func TestStageDefinitionValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		def  StageDefinition
		msg  string
	}{
		{
			name: "missing id",
			def: StageDefinition{
				Prompt: PromptDefinition{Template: "run"},
			},
			msg: "id is required",
		},
		{
			name: "missing template",
			def: StageDefinition{
				ID: "cost-review",
			},
			msg: "template is required",
		},
		{
			name: "unknown field",
			def: StageDefinition{
				ID:       "cost-review",
				Prompt:   PromptDefinition{Template: "run"},
				Consumes: []FieldBinding{{Field: "ghost"}},
			},
			msg: "ghost",
		},
		{
			name: "duplicate consumes",
			def: StageDefinition{
				ID:       "cost-review",
				Prompt:   PromptDefinition{Template: "run"},
				Consumes: []FieldBinding{{Field: "architecture_diff"}, {Field: "architecture_diff"}},
			},
			msg: "duplicate",
		},
		{
			name: "consumes the findings mapping",
			def: StageDefinition{
				ID:       "cost-review",
				Prompt:   PromptDefinition{Template: "run"},
				Consumes: []FieldBinding{{Field: "supplementary_findings"}},
			},
			msg: "cannot be consumed",
		},
		{
			name: "negative max tokens",
			def: StageDefinition{
				ID:     "cost-review",
				Prompt: PromptDefinition{Template: "run", MaxTokens: -1},
			},
			msg: "max_tokens",
		},
		{
			name: "negative concurrency slots",
			def: StageDefinition{
				ID:          "cost-review",
				Prompt:      PromptDefinition{Template: "run"},
				Concurrency: stage.ConcurrencyProfile{Slots: -1},
			},
			msg: "slots",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.def.Validate(); err == nil || !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("expected error containing %q, got %v", tc.msg, err)
			}
		})
	}
}

func TestFieldBindingResolve(t *testing.T) {
	binding := FieldBinding{Field: "architecture_diff"}
	field, err := binding.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if field.ID != state.ArchitectureDiff.ID || field.Kind != state.KindText {
		t.Fatalf("unexpected field: %+v", field)
	}
}
