package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// ParseFrontMatter extracts the metadata block and body from a document that starts
// with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	metaBytes := parts[0]
	body := parts[1]
	var envelope docEnvelope
	if err := yaml.Unmarshal(metaBytes, &envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	meta, err := envelope.toMetadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, body, nil
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.ArtifactID == "" {
		return nil, fmt.Errorf("artifact: metadata missing artifact id")
	}
	envelope := docEnvelope{}
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type docEnvelope struct {
	Adrsynth docMetadata `yaml:"adrsynth"`
}

type docMetadata struct {
	Artifact string            `yaml:"artifact"`
	Stage    string            `yaml:"stage"`
	Run      string            `yaml:"run"`
	Inputs   []string          `yaml:"inputs,omitempty"`
	Created  string            `yaml:"created"`
	Checksum string            `yaml:"checksum,omitempty"`
	Notes    map[string]string `yaml:"notes,omitempty"`
}

func (e docEnvelope) toMetadata() (Metadata, error) {
	if e.Adrsynth.Artifact == "" || e.Adrsynth.Stage == "" || e.Adrsynth.Run == "" {
		return Metadata{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(e.Adrsynth.Created)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	return Metadata{
		ArtifactID: e.Adrsynth.Artifact,
		StageID:    e.Adrsynth.Stage,
		RunID:      e.Adrsynth.Run,
		Inputs:     append([]string{}, e.Adrsynth.Inputs...),
		CreatedAt:  created,
		Checksum:   e.Adrsynth.Checksum,
		Notes:      cloneNotes(e.Adrsynth.Notes),
	}, nil
}

func (e *docEnvelope) fromMetadata(meta Metadata) {
	e.Adrsynth.Artifact = meta.ArtifactID
	e.Adrsynth.Stage = meta.StageID
	e.Adrsynth.Run = meta.RunID
	e.Adrsynth.Inputs = append([]string{}, meta.Inputs...)
	e.Adrsynth.Created = meta.CreatedAt.UTC().Format(timeLayout)
	e.Adrsynth.Checksum = meta.Checksum
	e.Adrsynth.Notes = cloneNotes(meta.Notes)
}

func cloneNotes(notes map[string]string) map[string]string {
	if len(notes) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(notes))
	for k, v := range notes {
		cloned[k] = v
	}
	return cloned
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty created timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
