// Package artifact defines the filesystem-level contracts for the files a run
// consumes and produces. Each artifact has a stable identifier, kind, and a
// resolver that maps to the actual path within the project's .adrsynth tree.

package artifact

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/nvidales/adrsynth/internal/config"
)

// Kind captures the storage shape and serialization format for an artifact.
type Kind string

const (
	// KindDocument represents a markdown-like text document with YAML frontmatter.
	KindDocument Kind = "document"
	// KindJSON represents a JSON document enriched with a _adrsynth metadata block.
	KindJSON Kind = "json"
	// KindRaw represents a user-supplied input file read as-is, no metadata.
	KindRaw Kind = "raw"
	// KindDirectory represents a directory that must exist.
	KindDirectory Kind = "directory"
)

// Scope locates artifacts for one run inside a project work tree. RunID may be
// empty when resolving project inputs, which are not run-scoped.
type Scope struct {
	Config *config.Config
	RunID  string
}

// PathResolver returns the fully-qualified path to an artifact for the current scope.
type PathResolver func(*Scope) string

// Ref declares a stable identifier and metadata for an artifact.
type Ref struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	Optional    bool
	path        PathResolver
}

// Path resolves the artifact path for the provided scope.
func (r Ref) Path(scope *Scope) string {
	if scope == nil || scope.Config == nil || r.path == nil {
		return ""
	}
	p := r.path(scope)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

// Validate ensures the reference is well-formed.
func (r Ref) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("artifact: id is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("artifact: kind is required for %s", r.ID)
	}
	if r.path == nil {
		return fmt.Errorf("artifact: path resolver missing for %s", r.ID)
	}
	return nil
}

// Metadata captures provenance stored inside artifact frontmatter or metadata blocks.
type Metadata struct {
	ArtifactID string
	StageID    string
	RunID      string
	Inputs     []string
	CreatedAt  time.Time
	Checksum   string
	Notes      map[string]string
}

// WithDefaults ensures metadata carries the artifact ID and timestamps.
func (m Metadata) WithDefaults(ref Ref, now time.Time) Metadata {
	clone := m
	if clone.ArtifactID == "" {
		clone.ArtifactID = ref.ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now.UTC()
	} else {
		clone.CreatedAt = clone.CreatedAt.UTC()
	}
	return clone
}

// ValidateFor ensures metadata matches the artifact contract.
func (m Metadata) ValidateFor(ref Ref) error {
	if m.ArtifactID != ref.ID {
		return fmt.Errorf("artifact: metadata id %s does not match ref %s", m.ArtifactID, ref.ID)
	}
	if m.StageID == "" {
		return fmt.Errorf("artifact: stage id is required for %s", ref.ID)
	}
	if m.RunID == "" {
		return fmt.Errorf("artifact: run id is required for %s", ref.ID)
	}
	return nil
}

// State captures the readiness of an artifact on disk.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// CheckResult captures Store.Check results.
type CheckResult struct {
	Ref      Ref
	Path     string
	State    State
	Metadata *Metadata
	Err      error
}

// helper to register global references
func register(ref Ref) Ref {
	if refs == nil {
		refs = map[string]Ref{}
	}
	refs[ref.ID] = ref
	return ref
}

var refs map[string]Ref

// Lookup returns a registered artifact reference by ID.
func Lookup(id string) (Ref, bool) {
	ref, ok := refs[id]
	return ref, ok
}

// newRawRef creates a project input reference helper.
func newRawRef(id, name, desc string, resolver PathResolver) Ref {
	return Ref{
		ID:          id,
		Name:        name,
		Description: desc,
		Kind:        KindRaw,
		path:        resolver,
	}
}

// newDocRef creates a markdown document reference helper.
func newDocRef(id, name, desc string, resolver PathResolver) Ref {
	return Ref{
		ID:          id,
		Name:        name,
		Description: desc,
		Kind:        KindDocument,
		path:        resolver,
	}
}

// newJSONRef creates a JSON artifact reference helper.
func newJSONRef(id, name, desc string, resolver PathResolver) Ref {
	return Ref{
		ID:          id,
		Name:        name,
		Description: desc,
		Kind:        KindJSON,
		path:        resolver,
	}
}

// newDirectoryRef creates a directory reference helper.
func newDirectoryRef(id, name, desc string, resolver PathResolver) Ref {
	return Ref{
		ID:          id,
		Name:        name,
		Description: desc,
		Kind:        KindDirectory,
		path:        resolver,
	}
}

// runScoped guards per-run resolvers against an empty run ID.
func runScoped(resolve func(*Scope) string) PathResolver {
	return func(s *Scope) string {
		if s.RunID == "" {
			return ""
		}
		return resolve(s)
	}
}

// Canonical artifact references for the analysis pipeline.
var (
	TerraformMinorPlan = register(newRawRef("terraform-minor-plan", "Terraform Plan (minor)", "Infrastructure definition for the minor change variant", func(s *Scope) string { return s.Config.TerraformMinorPath() }))
	TerraformMajorPlan = register(newRawRef("terraform-major-plan", "Terraform Plan (major)", "Infrastructure definition for the major change variant", func(s *Scope) string { return s.Config.TerraformMajorPath() }))
	KnowledgeBaseDoc   = register(newRawRef("knowledge-base", "IAC Knowledge Base", "Curated infrastructure knowledge fed to the context stage", func(s *Scope) string { return s.Config.KnowledgePath() }))

	SourceBundleMinor = register(Ref{
		ID:          "source-bundle-minor",
		Name:        "Source Bundle (minor)",
		Description: "Optional zip of application source for the minor variant",
		Kind:        KindRaw,
		Optional:    true,
		path:        func(s *Scope) string { return s.Config.SourceZipMinor() },
	})
	SourceBundleMajor = register(Ref{
		ID:          "source-bundle-major",
		Name:        "Source Bundle (major)",
		Description: "Optional zip of application source for the major variant",
		Kind:        KindRaw,
		Optional:    true,
		path:        func(s *Scope) string { return s.Config.SourceZipMajor() },
	})

	DecisionRecordsDoc = register(newDocRef("decision-records", "Architecture Decision Records", "Generated ADR document for one run", runScoped(func(s *Scope) string {
		return filepath.Join(s.Config.ADRsDir(), s.RunID+".md")
	})))
	RunReportJSON = register(newJSONRef("run-report", "Run Report", "Machine-readable summary of one run", runScoped(func(s *Scope) string {
		return filepath.Join(s.Config.RunsDir(), s.RunID+"-report.json")
	})))
	ADRsDirectory = register(newDirectoryRef("adrs-dir", "ADRs Directory", ".adrsynth/adrs folder receiving generated records", func(s *Scope) string {
		return s.Config.ADRsDir()
	}))
)
