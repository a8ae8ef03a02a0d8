package stage

import "github.com/nvidales/adrsynth/internal/state"

// Base provides common plumbing for stages (identity + field contracts).
type Base struct {
	info    Info
	inputs  []state.FieldID
	outputs []state.FieldID
}

// NewBase seeds the helper with stage info.
func NewBase(info Info) Base {
	return Base{info: info}
}

// SetInputs declares the consumed fields.
func (b *Base) SetInputs(ids ...state.FieldID) {
	b.inputs = append([]state.FieldID{}, ids...)
}

// SetOutputs declares the produced fields.
func (b *Base) SetOutputs(ids ...state.FieldID) {
	b.outputs = append([]state.FieldID{}, ids...)
}

// Info implements Stage.Info.
func (b *Base) Info() Info {
	return b.info
}

// Inputs implements Stage.Inputs.
func (b *Base) Inputs() []state.FieldID {
	return append([]state.FieldID{}, b.inputs...)
}

// Outputs implements Stage.Outputs.
func (b *Base) Outputs() []state.FieldID {
	return append([]state.FieldID{}, b.outputs...)
}
