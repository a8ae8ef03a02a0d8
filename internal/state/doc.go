// Package state defines the shared analysis document: the declared field
// schema, the dynamic values stages exchange, per-field merge policies, and
// the snapshot/delta types that keep stages from ever holding the live
// document. The engine owns the document; stages see immutable snapshots of
// their declared inputs and commit deltas for their declared outputs.
package state
