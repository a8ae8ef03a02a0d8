package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvidales/adrsynth/internal/config"
)

// ErrRunNotFound is returned when no checkpoint exists for a run ID.
var ErrRunNotFound = errors.New("workflow engine: run not found")

// StateStore persists run checkpoints.
type StateStore interface {
	Load(runID string) (RunState, error)
	Save(RunState) error
	List() ([]string, error)
}

// Repository stores one checkpoint file per run inside the runs directory.
type Repository struct {
	dir string
}

// NewRepository creates a repository rooted at the project runs directory.
func NewRepository(cfg *config.Config) *Repository {
	return &Repository{dir: cfg.RunsDir()}
}

// Load reads the checkpoint for a run if present.
func (r *Repository) Load(runID string) (RunState, error) {
	if runID == "" || runID != filepath.Base(runID) {
		return RunState{}, ErrRunNotFound
	}
	data, err := os.ReadFile(filepath.Join(r.dir, runID+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RunState{}, ErrRunNotFound
		}
		return RunState{}, err
	}
	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return RunState{}, err
	}
	return rs, nil
}

// Save writes the run checkpoint to disk with best-effort atomicity.
func (r *Repository) Save(rs RunState) error {
	if rs.RunID == "" {
		return fmt.Errorf("workflow engine: save run without id")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.dir, rs.RunID+".json"), append(encoded, '\n'), 0o644)
}

// List returns the run IDs with checkpoints on disk, sorted. Report
// artifacts share the directory and are not run IDs.
func (r *Repository) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "-report.json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
