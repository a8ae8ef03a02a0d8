// Package events streams run lifecycle notifications from the engine to
// in-process subscribers and backs the optional local status server.
package events

import (
	"errors"
	"strings"
	"time"
)

// ProtocolVersion identifies the status API contract exposed via /health.
const ProtocolVersion = "1.0.0"

// Event types published over the run event stream.
const (
	TypeRunStarted      = "run_started"
	TypeRunCompleted    = "run_completed"
	TypeRunFailed       = "run_failed"
	TypeStageDispatched = "stage_dispatched"
	TypeStageCommitted  = "stage_committed"
	TypeStageFailed     = "stage_failed"
	TypeStageSkipped    = "stage_skipped"
	TypeRoutingFallback = "routing_fallback"
)

// Event captures a single run lifecycle notification. StageID is empty for
// run-level events. Detail carries the route, failure message, or warning
// text, depending on the type.
type Event struct {
	EventID  string    `json:"event_id"`
	Sequence int64     `json:"sequence"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	RunID    string    `json:"run_id"`
	StageID  string    `json:"stage_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Normalize applies canonical formatting before validation. The router fills
// a missing EventID and Time on publish.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Type = strings.TrimSpace(e.Type)
	e.RunID = strings.TrimSpace(e.RunID)
	e.StageID = strings.TrimSpace(e.StageID)
}

// Validate enforces baseline schema requirements for published events.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.RunID == "" {
		return errors.New("run_id is required")
	}
	return nil
}

// Publisher accepts run events for delivery.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish executes f(e).
func (f PublisherFunc) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

// Logger records delivery diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RouterReady   bool   `json:"router_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type runListResponse struct {
	Runs       []RunView `json:"runs"`
	ServerTime time.Time `json:"server_time"`
}
