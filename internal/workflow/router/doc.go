// Package router decides which body of an evidence-gated stage executes.
// Decisions are pure functions of the run's input snapshot, recorded on the
// run so a resumed run replays the same choices.
package router
