package state

import "fmt"

// Policy resolves what happens when a field is written more than once.
type Policy string

const (
	// PolicyLastWriter replaces the previous value. The zero policy.
	PolicyLastWriter Policy = "last-writer"
	// PolicyKeyUnion merges string-keyed mappings, newer keys winning.
	PolicyKeyUnion Policy = "key-union"
)

func (p Policy) valid() bool {
	switch p {
	case "", PolicyLastWriter, PolicyKeyUnion:
		return true
	}
	return false
}

// Apply resolves a new write against the previous value.
func (p Policy) Apply(prev, next Value) (Value, error) {
	switch p {
	case "", PolicyLastWriter:
		return cloneValue(next), nil
	case PolicyKeyUnion:
		merged := map[string]any{}
		if prev != nil {
			prevMap, ok := prev.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("state: key-union merge requires mappings, got %T", prev)
			}
			for k, v := range prevMap {
				merged[k] = cloneValue(v)
			}
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("state: key-union merge requires mappings, got %T", next)
		}
		for k, v := range nextMap {
			merged[k] = cloneValue(v)
		}
		return merged, nil
	}
	return nil, fmt.Errorf("state: unknown merge policy %q", p)
}

// checkKind verifies a dynamic value matches the field's declared shape.
func checkKind(f Field, v Value) error {
	switch f.Kind {
	case KindText:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("state: field %s expects text, got %T", f.ID, v)
		}
	case KindRecord, KindMapping:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("state: field %s expects a mapping, got %T", f.ID, v)
		}
	case KindList:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("state: field %s expects a list, got %T", f.ID, v)
		}
	case KindEvidence:
		if _, ok := v.(Evidence); !ok {
			return fmt.Errorf("state: field %s expects evidence, got %T", f.ID, v)
		}
	}
	return nil
}

func cloneValue(v Value) Value {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		// Strings, evidence, and scalars are value types.
		return v
	}
}
