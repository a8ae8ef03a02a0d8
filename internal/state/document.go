package state

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Value is the dynamic payload of one field: string for text, map[string]any
// for records and mappings, []any for lists, Evidence for evidence fields.
type Value any

// Document is the evolving analysis state of one run. The engine owns the
// only live instance; stages interact through Snapshot and Delta values.
type Document struct {
	values map[FieldID]Value
}

// NewDocument builds a document from run inputs. Every supplied field must be
// a declared input field of matching kind, and every non-optional input field
// must be supplied.
func NewDocument(inputs map[FieldID]Value) (*Document, error) {
	doc := &Document{values: map[FieldID]Value{}}
	for _, id := range sortedIDs(inputs) {
		field, ok := Lookup(id)
		if !ok {
			return nil, fmt.Errorf("state: unknown input field %q", id)
		}
		if field.Group != GroupInput {
			return nil, fmt.Errorf("state: field %s is not an input field", id)
		}
		value := inputs[id]
		if err := checkKind(field, value); err != nil {
			return nil, err
		}
		doc.values[id] = cloneValue(value)
	}
	for _, field := range All() {
		if field.Group != GroupInput || field.Optional {
			continue
		}
		if _, ok := doc.values[field.ID]; !ok {
			return nil, fmt.Errorf("state: required input field %s is missing", field.ID)
		}
	}
	return doc, nil
}

// Has reports whether the field holds a value.
func (d *Document) Has(id FieldID) bool {
	_, ok := d.values[id]
	return ok
}

// Value returns the raw field value.
func (d *Document) Value(id FieldID) (Value, bool) {
	v, ok := d.values[id]
	return v, ok
}

// Text returns a text field's value, empty when unset.
func (d *Document) Text(id FieldID) string {
	s, _ := d.values[id].(string)
	return s
}

// Evidence returns an evidence field's value, absent when unset.
func (d *Document) Evidence(id FieldID) Evidence {
	e, _ := d.values[id].(Evidence)
	return e
}

// Fields returns the IDs holding values, sorted.
func (d *Document) Fields() []FieldID {
	return sortedIDs(d.values)
}

// Snapshot returns a deep copy of the named fields. Unset fields are simply
// absent from the snapshot.
func (d *Document) Snapshot(ids ...FieldID) Snapshot {
	values := make(map[FieldID]Value, len(ids))
	for _, id := range ids {
		if v, ok := d.values[id]; ok {
			values[id] = cloneValue(v)
		}
	}
	return Snapshot{values: values}
}

// Apply commits a stage delta through each field's merge policy. Input fields
// are immutable after initialization.
func (d *Document) Apply(delta Delta) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	for _, id := range sortedIDs(delta.Values) {
		field, ok := Lookup(id)
		if !ok {
			return fmt.Errorf("state: stage %s wrote unknown field %q", delta.Stage, id)
		}
		if field.Group == GroupInput {
			return fmt.Errorf("state: stage %s wrote input field %s", delta.Stage, id)
		}
		value := delta.Values[id]
		if err := checkKind(field, value); err != nil {
			return err
		}
		merged, err := field.Merge.Apply(d.values[id], value)
		if err != nil {
			return err
		}
		d.values[id] = merged
	}
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	values := make(map[FieldID]Value, len(d.values))
	for id, v := range d.values {
		values[id] = cloneValue(v)
	}
	return &Document{values: values}
}

// MarshalJSON encodes the document for checkpoints.
func (d *Document) MarshalJSON() ([]byte, error) {
	payload := make(map[FieldID]Value, len(d.values))
	for id, v := range d.values {
		payload[id] = v
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes a checkpointed document, re-typing each value from
// the declared schema.
func (d *Document) UnmarshalJSON(data []byte) error {
	var payload map[FieldID]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("state: decode document: %w", err)
	}
	values := make(map[FieldID]Value, len(payload))
	for _, id := range sortedIDs(payload) {
		field, ok := Lookup(id)
		if !ok {
			return fmt.Errorf("state: unknown field %q in document", id)
		}
		value, err := decodeValue(field, payload[id])
		if err != nil {
			return err
		}
		values[id] = value
	}
	d.values = values
	return nil
}

func decodeValue(field Field, raw json.RawMessage) (Value, error) {
	switch field.Kind {
	case KindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("state: decode field %s: %w", field.ID, err)
		}
		return s, nil
	case KindRecord, KindMapping:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("state: decode field %s: %w", field.ID, err)
		}
		return m, nil
	case KindList:
		var l []any
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("state: decode field %s: %w", field.ID, err)
		}
		return l, nil
	case KindEvidence:
		var e Evidence
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("state: decode field %s: %w", field.ID, err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("state: field %s has unknown kind %q", field.ID, field.Kind)
}

// Snapshot is the immutable view of declared input fields handed to a stage
// at dispatch time.
type Snapshot struct {
	values map[FieldID]Value
}

// Has reports whether the snapshot carries the field.
func (s Snapshot) Has(id FieldID) bool {
	_, ok := s.values[id]
	return ok
}

// Value returns the raw field value.
func (s Snapshot) Value(id FieldID) (Value, bool) {
	v, ok := s.values[id]
	return v, ok
}

// Text returns a text field's value, empty when unset.
func (s Snapshot) Text(id FieldID) string {
	v, _ := s.values[id].(string)
	return v
}

// Evidence returns an evidence field's value, absent when unset.
func (s Snapshot) Evidence(id FieldID) Evidence {
	e, _ := s.values[id].(Evidence)
	return e
}

// Record returns a record field's value, nil when unset.
func (s Snapshot) Record(id FieldID) map[string]any {
	m, _ := s.values[id].(map[string]any)
	return m
}

// List returns a list field's value, nil when unset.
func (s Snapshot) List(id FieldID) []any {
	l, _ := s.values[id].([]any)
	return l
}

// Fields returns the IDs present in the snapshot, sorted.
func (s Snapshot) Fields() []FieldID {
	return sortedIDs(s.values)
}

// Delta is the partial update a stage commits for its declared outputs.
type Delta struct {
	Stage  string
	Values map[FieldID]Value
}

// Validate ensures the delta names its producing stage.
func (d Delta) Validate() error {
	if d.Stage == "" {
		return fmt.Errorf("state: delta is missing its producing stage")
	}
	return nil
}

func sortedIDs[V any](m map[FieldID]V) []FieldID {
	ids := make([]FieldID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
