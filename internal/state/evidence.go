package state

import (
	"encoding/json"
	"strings"
)

// Evidence is the tagged presence of an optional auxiliary input bundle.
// A blank or whitespace-only identifier normalizes to absent, so routing
// never has to reason about what counts as "empty".
type Evidence struct {
	present bool
	bundle  string
}

// EvidenceFor normalizes a raw bundle identifier into an Evidence value.
func EvidenceFor(raw string) Evidence {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Evidence{}
	}
	return Evidence{present: true, bundle: trimmed}
}

// NoEvidence returns the absent variant.
func NoEvidence() Evidence {
	return Evidence{}
}

// Present reports whether a bundle was supplied.
func (e Evidence) Present() bool {
	return e.present
}

// Bundle returns the bundle identifier, empty when absent.
func (e Evidence) Bundle() string {
	return e.bundle
}

func (e Evidence) String() string {
	if !e.present {
		return "absent"
	}
	return e.bundle
}

type evidenceJSON struct {
	Present bool   `json:"present"`
	Bundle  string `json:"bundle,omitempty"`
}

// MarshalJSON encodes the tagged variant for checkpoints.
func (e Evidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(evidenceJSON{Present: e.present, Bundle: e.bundle})
}

// UnmarshalJSON decodes the tagged variant, re-normalizing the identifier.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	var payload evidenceJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if !payload.Present {
		*e = Evidence{}
		return nil
	}
	*e = EvidenceFor(payload.Bundle)
	return nil
}
