// Package evidence defines the extraction collaborator contract and the ZIP
// bundle extractor shipped with adrsynth. The router decides bundle absence
// before an extractor is ever invoked, so extraction only deals with bundles
// that were supplied and may still be malformed.
package evidence

import (
	"context"
	"fmt"
)

// Limits bounds one extraction.
type Limits struct {
	// MaxFiles caps how many source files are extracted.
	MaxFiles int
	// MaxFileSize is the character threshold above which files are summarized.
	MaxFileSize int
	// SummarizeLarge re-renders oversized files through the completion service.
	SummarizeLarge bool
}

func (l Limits) withDefaults() Limits {
	if l.MaxFiles <= 0 {
		l.MaxFiles = 10
	}
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = 5000
	}
	return l
}

// Evidence is the structured result of one extraction.
type Evidence struct {
	// Structure is a formatted overview of the bundle layout.
	Structure string
	// Files maps archive paths to content, full or summarized.
	Files map[string]string
	// Combined renders every extracted file as one prompt-ready block.
	Combined string
}

// Meta accounts for one extraction. Variant is filled by the calling stage.
type Meta struct {
	TotalFiles      int
	SummarizedFiles int
	FullFiles       int
	Variant         string
	Note            string
}

// PlaceholderMeta is the metadata committed on the fallback path.
func PlaceholderMeta(variant string) Meta {
	return Meta{Variant: variant, Note: "Source code not available"}
}

// Record renders the metadata as a state record.
func (m Meta) Record() map[string]any {
	if m.Note != "" {
		return map[string]any{
			"total_files": m.TotalFiles,
			"branch":      m.Variant,
			"note":        m.Note,
		}
	}
	return map[string]any{
		"total_files":      m.TotalFiles,
		"summarized_files": m.SummarizedFiles,
		"full_files":       m.FullFiles,
		"branch":           m.Variant,
	}
}

// ExtractionError describes a malformed or unreadable bundle.
type ExtractionError struct {
	Bundle string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("evidence: extract %s: %v", e.Bundle, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor is the collaborator contract the refinement stages call on their
// full path.
type Extractor interface {
	Extract(ctx context.Context, bundle string, limits Limits) (Evidence, Meta, error)
}

// Logger records extraction diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}
