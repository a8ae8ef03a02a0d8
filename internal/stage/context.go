package stage

import (
	"github.com/nvidales/adrsynth/internal/artifact"
	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/logbook"
	"github.com/nvidales/adrsynth/internal/state"
)

// Context carries shared runtime dependencies into every stage execution.
// State is the read-only snapshot the stage was dispatched with.
type Context struct {
	Config     *config.Config
	RunID      string
	State      state.Snapshot
	Completion llm.Completion
	Extractor  evidence.Extractor
	Logbook    *logbook.Logbook
	Artifacts  *artifact.Store
}

// NewContext builds a Context with a fresh artifact store scoped to the run.
func NewContext(cfg *config.Config, runID string, lb *logbook.Logbook) *Context {
	return &Context{
		Config:    cfg,
		RunID:     runID,
		Logbook:   lb,
		Artifacts: artifact.NewStore(&artifact.Scope{Config: cfg, RunID: runID}),
	}
}

// WithState returns a copy carrying the snapshot a stage should observe.
func (c *Context) WithState(snap state.Snapshot) *Context {
	clone := *c
	clone.State = snap
	return &clone
}

// WithCompletion allows dependency injection of a completion service.
func (c *Context) WithCompletion(completion llm.Completion) *Context {
	clone := *c
	clone.Completion = completion
	return &clone
}

// WithExtractor allows dependency injection of an evidence extractor.
func (c *Context) WithExtractor(extractor evidence.Extractor) *Context {
	clone := *c
	clone.Extractor = extractor
	return &clone
}

// WithArtifacts allows dependency injection of a pre-built store.
func (c *Context) WithArtifacts(store *artifact.Store) *Context {
	clone := *c
	clone.Artifacts = store
	return &clone
}
