// Package generate_adrs turns the architecture comparison into decision
// records. The completion service answers with a strict JSON array; the stage
// commits the parsed records to state and writes the run's ADR document.
package generate_adrs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nvidales/adrsynth/internal/artifact"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
)

const stageID = workflow.StageTypeGenerateADRs

const systemPrompt = "You are a software architect writing architecture decision records. " +
	"You respond with strict JSON and nothing else."

// GenerationStage writes the architecture decision records for one run.
type GenerationStage struct {
	*stage.Base
}

// Register installs the stage factory into the registry.
func Register(reg *stage.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(stageID, func(stage.Config) (stage.Stage, error) {
		return New(), nil
	})
}

// New constructs the stage with its field contracts.
func New() *GenerationStage {
	base := stage.NewBase(stage.Info{
		ID:          stageID,
		Name:        "Generate ADRs",
		Description: "Writes architecture decision records from the architecture comparison.",
	})
	base.SetInputs(
		state.ProjectName.ID,
		state.TheoreticalContext.ID,
		state.ArchitectureDiff.ID,
		state.SupplementaryFindings.ID,
	)
	base.SetOutputs(state.ADRList.ID)
	return &GenerationStage{Base: &base}
}

// Run prompts for the decision records, commits them, and writes the run's
// ADR document. A completion that cannot be parsed fails the stage.
func (s *GenerationStage) Run(ctx context.Context, env *stage.Context) (state.Delta, error) {
	if err := validateEnv(env); err != nil {
		return state.Delta{}, err
	}
	resp, err := env.Completion.Complete(ctx, llm.Request{
		System: systemPrompt,
		Prompt: generationPrompt(env.State),
	})
	if err != nil {
		return state.Delta{}, fmt.Errorf("generate-adrs: generate records: %w", err)
	}
	records, err := parseRecords(resp.Text)
	if err != nil {
		return state.Delta{}, err
	}
	meta := artifact.Metadata{
		StageID: stageID,
		RunID:   env.RunID,
		Inputs:  []string{string(state.ArchitectureDiff.ID), string(state.SupplementaryFindings.ID)},
	}
	if err := env.Artifacts.Write(artifact.DecisionRecordsDoc, []byte(renderDocument(records)), meta); err != nil {
		return state.Delta{}, fmt.Errorf("generate-adrs: write decision records: %w", err)
	}
	return state.Delta{
		Stage:  stageID,
		Values: map[state.FieldID]state.Value{state.ADRList.ID: recordValues(records)},
	}, nil
}

func generationPrompt(snap state.Snapshot) string {
	var b strings.Builder
	section(&b, "PROJECT", snap.Text(state.ProjectName.ID))
	section(&b, "THEORETICAL CONTEXT", snap.Text(state.TheoreticalContext.ID))
	section(&b, "KEY ARCHITECTURE DECISIONS", snap.Text(state.ArchitectureDiff.ID))
	if findings := snap.Record(state.SupplementaryFindings.ID); len(findings) > 0 {
		section(&b, "SUPPLEMENTARY FINDINGS", renderFindings(findings))
	}
	b.WriteString("TASK\n")
	b.WriteString("Write one architecture decision record per key decision, at most five.\n")
	b.WriteString("Respond with a JSON array where each element has exactly these fields:\n")
	b.WriteString("adr_name, title, status, motivation, decision_drivers (array of strings),\n")
	b.WriteString("main_decision, alternatives (array of strings), pros, cons, consequences,\n")
	b.WriteString("validation, additional_information.\n")
	return b.String()
}

func renderFindings(findings map[string]any) string {
	keys := make([]string, 0, len(findings))
	for k := range findings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, findings[k])
	}
	return b.String()
}

// record mirrors the JSON shape the generation prompt demands.
type record struct {
	Name         string   `json:"adr_name"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	Motivation   string   `json:"motivation"`
	Drivers      []string `json:"decision_drivers"`
	Decision     string   `json:"main_decision"`
	Alternatives []string `json:"alternatives"`
	Pros         string   `json:"pros"`
	Cons         string   `json:"cons"`
	Consequences string   `json:"consequences"`
	Validation   string   `json:"validation"`
	Additional   string   `json:"additional_information"`
}

func parseRecords(text string) ([]record, error) {
	var records []record
	if err := json.Unmarshal([]byte(stripFences(text)), &records); err != nil {
		return nil, fmt.Errorf("generate-adrs: parse completion: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("generate-adrs: completion produced no records")
	}
	for i := range records {
		if strings.TrimSpace(records[i].Name) == "" {
			records[i].Name = fmt.Sprintf("decision-%d", i+1)
		}
	}
	return records, nil
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func renderDocument(records []record) string {
	blocks := make([]string, 0, len(records))
	for _, rec := range records {
		blocks = append(blocks, rec.markdown())
	}
	return strings.Join(blocks, "\n---\n\n")
}

func (r record) markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# ADR: %s\n\n", r.Name)
	heading(&b, "Title", r.Title)
	heading(&b, "Status", r.Status)
	heading(&b, "Motivation", r.Motivation)
	listHeading(&b, "Decision Drivers", r.Drivers)
	heading(&b, "Main Decision", r.Decision)
	listHeading(&b, "Alternatives", r.Alternatives)
	heading(&b, "Pros", r.Pros)
	heading(&b, "Cons", r.Cons)
	heading(&b, "Consequences", r.Consequences)
	heading(&b, "Validation", r.Validation)
	heading(&b, "Additional Information", r.Additional)
	return b.String()
}

func heading(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if strings.TrimSpace(body) == "" {
		body = "None recorded."
	}
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\n")
}

func listHeading(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if len(items) == 0 {
		b.WriteString("None recorded.\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

// recordValues renders the records as JSON-generic state values so a
// checkpoint round-trip reproduces the committed list exactly.
func recordValues(records []record) []any {
	out := make([]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"adr_name":               rec.Name,
			"title":                  rec.Title,
			"status":                 rec.Status,
			"motivation":             rec.Motivation,
			"decision_drivers":       stringValues(rec.Drivers),
			"main_decision":          rec.Decision,
			"alternatives":           stringValues(rec.Alternatives),
			"pros":                   rec.Pros,
			"cons":                   rec.Cons,
			"consequences":           rec.Consequences,
			"validation":             rec.Validation,
			"additional_information": rec.Additional,
		})
	}
	return out
}

func stringValues(items []string) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

func section(b *strings.Builder, title, body string) {
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\n")
}

func validateEnv(env *stage.Context) error {
	if env == nil {
		return fmt.Errorf("generate-adrs: context is nil")
	}
	if env.Config == nil {
		return fmt.Errorf("generate-adrs: config is required")
	}
	if env.Completion == nil {
		return fmt.Errorf("generate-adrs: completion service is required")
	}
	if env.Artifacts == nil {
		return fmt.Errorf("generate-adrs: artifact store is required")
	}
	return nil
}
