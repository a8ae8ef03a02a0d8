package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Store manages artifact IO rooted at the project work tree.
type Store struct {
	scope *Scope
	now   func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = clock
	}
}

// NewStore builds a store for a scope.
func NewStore(scope *Scope, opts ...StoreOption) *Store {
	store := &Store{
		scope: scope,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Check inspects the artifact on disk and returns its status and metadata.
func (s *Store) Check(ref Ref) (CheckResult, error) {
	path := ref.Path(s.scope)
	if path == "" {
		err := fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{Ref: ref, Path: path, State: StateMissing}, nil
		}
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	switch ref.Kind {
	case KindRaw:
		if info.IsDir() {
			return invalidResult(ref, path, fmt.Errorf("artifact: expected file got directory"))
		}
		return CheckResult{Ref: ref, Path: path, State: StateReady}, nil
	case KindDirectory:
		if !info.IsDir() {
			return invalidResult(ref, path, fmt.Errorf("artifact: expected directory"))
		}
		return CheckResult{Ref: ref, Path: path, State: StateReady}, nil
	case KindJSON:
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return CheckResult{Ref: ref, Path: path, State: StateError, Err: readErr}, readErr
		}
		meta, metaErr := parseJSONMetadata(data)
		if metaErr != nil {
			return invalidResult(ref, path, metaErr)
		}
		if meta.ArtifactID != ref.ID {
			return invalidResult(ref, path, fmt.Errorf("artifact: metadata id %s does not match %s", meta.ArtifactID, ref.ID))
		}
		return CheckResult{Ref: ref, Path: path, State: StateReady, Metadata: &meta}, nil
	default:
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return CheckResult{Ref: ref, Path: path, State: StateError, Err: readErr}, readErr
		}
		meta, _, metaErr := ParseFrontMatter(data)
		if metaErr != nil {
			return invalidResult(ref, path, metaErr)
		}
		if meta.ArtifactID != ref.ID {
			return invalidResult(ref, path, fmt.Errorf("artifact: metadata id %s does not match %s", meta.ArtifactID, ref.ID))
		}
		return CheckResult{Ref: ref, Path: path, State: StateReady, Metadata: &meta}, nil
	}
}

// Read returns the raw contents of the artifact.
func (s *Store) Read(ref Ref) ([]byte, error) {
	path := ref.Path(s.scope)
	if path == "" {
		return nil, fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
	}
	return os.ReadFile(path)
}

// Write persists the artifact contents and metadata based on its kind.
func (s *Store) Write(ref Ref, body []byte, meta Metadata) error {
	path := ref.Path(s.scope)
	if path == "" {
		return fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
	}
	switch ref.Kind {
	case KindRaw:
		return fmt.Errorf("artifact: %s is a project input and cannot be written", ref.ID)
	case KindDirectory:
		return os.MkdirAll(path, 0o755)
	case KindJSON:
		return s.writeJSON(path, ref, body, meta)
	default:
		return s.writeDocument(path, ref, body, meta)
	}
}

func (s *Store) writeDocument(path string, ref Ref, body []byte, meta Metadata) error {
	if body == nil {
		body = []byte{}
	}
	prepared := meta.WithDefaults(ref, s.now())
	if err := prepared.ValidateFor(ref); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content, err := WriteFrontMatter(prepared, body)
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func (s *Store) writeJSON(path string, ref Ref, body []byte, meta Metadata) error {
	if body == nil {
		body = []byte("{}")
	}
	prepared := meta.WithDefaults(ref, s.now())
	if err := prepared.ValidateFor(ref); err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("artifact: invalid json body for %s: %w", ref.ID, err)
	}
	payload["_adrsynth"] = metadataToJSON(prepared)
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode json for %s: %w", ref.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

func invalidResult(ref Ref, path string, err error) (CheckResult, error) {
	return CheckResult{Ref: ref, Path: path, State: StateInvalid, Err: err}, err
}

func parseJSONMetadata(data []byte) (Metadata, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse json metadata: %w", err)
	}
	raw, ok := payload["_adrsynth"]
	if !ok {
		return Metadata{}, fmt.Errorf("artifact: missing _adrsynth metadata")
	}
	metaMap, ok := raw.(map[string]any)
	if !ok {
		return Metadata{}, fmt.Errorf("artifact: invalid _adrsynth metadata structure")
	}
	return metadataFromMap(metaMap)
}

func metadataToJSON(meta Metadata) map[string]any {
	result := map[string]any{
		"artifact": meta.ArtifactID,
		"stage":    meta.StageID,
		"run":      meta.RunID,
		"inputs":   append([]string{}, meta.Inputs...),
		"created":  meta.CreatedAt.UTC().Format(timeLayout),
	}
	if meta.Checksum != "" {
		result["checksum"] = meta.Checksum
	}
	if len(meta.Notes) > 0 {
		result["notes"] = cloneNotes(meta.Notes)
	}
	return result
}

func metadataFromMap(values map[string]any) (Metadata, error) {
	artifactID := stringValue(values["artifact"])
	stageID := stringValue(values["stage"])
	runID := stringValue(values["run"])
	if artifactID == "" || stageID == "" || runID == "" {
		return Metadata{}, fmt.Errorf("artifact: incomplete metadata")
	}
	created := stringValue(values["created"])
	if created == "" {
		return Metadata{}, fmt.Errorf("artifact: metadata missing created timestamp")
	}
	timeValue, err := parseTime(created)
	if err != nil {
		return Metadata{}, err
	}
	inputs := sliceStringValue(values["inputs"])
	notes := mapStringValue(values["notes"])
	return Metadata{
		ArtifactID: artifactID,
		StageID:    stageID,
		RunID:      runID,
		Inputs:     inputs,
		CreatedAt:  timeValue,
		Checksum:   stringValue(values["checksum"]),
		Notes:      notes,
	}, nil
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func sliceStringValue(value any) []string {
	arr, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := stringValue(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mapStringValue(value any) map[string]string {
	raw, ok := value.(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s := stringValue(v); s != "" {
			out[k] = s
		}
	}
	return out
}
