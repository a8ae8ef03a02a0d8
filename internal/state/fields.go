package state

import (
	"fmt"
	"sort"
)

// FieldID names one declared field of the analysis document.
type FieldID string

// Kind captures the value shape a field holds.
type Kind string

const (
	// KindText holds a plain string value.
	KindText Kind = "text"
	// KindRecord holds a flat structured record (string-keyed map).
	KindRecord Kind = "record"
	// KindList holds an ordered list of values.
	KindList Kind = "list"
	// KindMapping holds a string-keyed mapping of values.
	KindMapping Kind = "mapping"
	// KindEvidence holds the tagged presence of an optional input bundle.
	KindEvidence Kind = "evidence"
)

// Group separates run inputs from stage-derived fields.
type Group string

const (
	// GroupInput fields are set once at run initialization and immutable after.
	GroupInput Group = "input"
	// GroupDerived fields are written by stages as the run progresses.
	GroupDerived Group = "derived"
)

// Field declares one schema entry of the analysis document.
type Field struct {
	ID          FieldID
	Name        string
	Description string
	Kind        Kind
	Group       Group
	Optional    bool
	Merge       Policy
}

// Validate ensures the declaration is well-formed.
func (f Field) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("state: field id is required")
	}
	switch f.Kind {
	case KindText, KindRecord, KindList, KindMapping, KindEvidence:
	default:
		return fmt.Errorf("state: field %s has unknown kind %q", f.ID, f.Kind)
	}
	switch f.Group {
	case GroupInput, GroupDerived:
	default:
		return fmt.Errorf("state: field %s has unknown group %q", f.ID, f.Group)
	}
	if !f.Merge.valid() {
		return fmt.Errorf("state: field %s has unknown merge policy %q", f.ID, f.Merge)
	}
	return nil
}

var fields map[FieldID]Field

func register(f Field) Field {
	if fields == nil {
		fields = map[FieldID]Field{}
	}
	fields[f.ID] = f
	return f
}

// Lookup returns a declared field by ID.
func Lookup(id FieldID) (Field, bool) {
	f, ok := fields[id]
	return f, ok
}

// All returns every declared field sorted by ID.
func All() []Field {
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func textInput(id FieldID, name, desc string) Field {
	return Field{ID: id, Name: name, Description: desc, Kind: KindText, Group: GroupInput}
}

func evidenceInput(id FieldID, name, desc string) Field {
	return Field{ID: id, Name: name, Description: desc, Kind: KindEvidence, Group: GroupInput}
}

func textDerived(id FieldID, name, desc string) Field {
	return Field{ID: id, Name: name, Description: desc, Kind: KindText, Group: GroupDerived}
}

func recordDerived(id FieldID, name, desc string) Field {
	return Field{ID: id, Name: name, Description: desc, Kind: KindRecord, Group: GroupDerived}
}

// Canonical fields of the ADR synthesis document.
var (
	ProjectName        = register(textInput("project_name", "Project Name", "Short name of the analyzed project"))
	ProjectDescription = register(textInput("project_description", "Project Description", "One-paragraph description of the analyzed project"))

	VariantMinor = register(textInput("variant_minor", "Minor Variant", "Identifier of the minor-evolution subject, typically the minor Terraform plan"))
	VariantMajor = register(textInput("variant_major", "Major Variant", "Identifier of the major-evolution subject, typically the major Terraform plan"))

	EvidenceMinor = register(evidenceInput("evidence_minor", "Minor Evidence Bundle", "Optional source bundle refining the minor analysis"))
	EvidenceMajor = register(evidenceInput("evidence_major", "Major Evidence Bundle", "Optional source bundle refining the major analysis"))

	KnowledgeRef = register(Field{
		ID: "knowledge_ref", Name: "Knowledge Reference",
		Description: "Optional reference to a background knowledge document",
		Kind:        KindText, Group: GroupInput, Optional: true,
	})

	TheoreticalContext = register(textDerived("theoretical_context", "Theoretical Context", "Framing produced by the context stage"))
	ProjectStructure   = register(textDerived("project_structure", "Project Structure", "Layout overview produced by the context stage"))

	TerraformAnalysisMinor = register(textDerived("terraform_analysis_minor", "Minor Terraform Analysis", "Infrastructure analysis of the minor variant"))
	TerraformAnalysisMajor = register(textDerived("terraform_analysis_major", "Major Terraform Analysis", "Infrastructure analysis of the major variant"))

	ImprovedAnalysisMinor = register(textDerived("improved_analysis_minor", "Minor Refined Analysis", "Minor analysis refined with source evidence, or carried forward on fallback"))
	ImprovedAnalysisMajor = register(textDerived("improved_analysis_major", "Major Refined Analysis", "Major analysis refined with source evidence, or carried forward on fallback"))

	ExtractionMetadataMinor = register(recordDerived("extraction_metadata_minor", "Minor Extraction Metadata", "Evidence extraction accounting for the minor variant"))
	ExtractionMetadataMajor = register(recordDerived("extraction_metadata_major", "Major Extraction Metadata", "Evidence extraction accounting for the major variant"))

	ArchitectureDiff = register(textDerived("architecture_diff", "Architecture Diff", "Comparison of the two refined analyses"))

	ADRList = register(Field{
		ID: "adr_list", Name: "ADR List",
		Description: "Generated architecture decision records",
		Kind:        KindList, Group: GroupDerived,
	})

	SupplementaryFindings = register(Field{
		ID: "supplementary_findings", Name: "Supplementary Findings",
		Description: "Findings contributed by plugin stages, keyed by stage ID",
		Kind:        KindMapping, Group: GroupDerived, Optional: true,
		Merge: PolicyKeyUnion,
	})
)
