package events

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers run events to per-run subscribers with buffering,
// deduplication, and bounded channel semantics. It also folds the stream into
// a live view per run for the status endpoints.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	runs         map[string]*RunView
	recentIDs    map[string]struct{}
	recentOrder  []string
	sequence     int64
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
}

var _ Publisher = (*Router)(nil)

// RunView is the router's folded view of one run.
type RunView struct {
	RunID     string            `json:"run_id"`
	Status    string            `json:"status"`
	Stages    map[string]string `json:"stages,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (v RunView) clone() RunView {
	out := v
	if v.Stages != nil {
		out.Stages = make(map[string]string, len(v.Stages))
		for id, status := range v.Stages {
			out.Stages[id] = status
		}
	}
	out.Warnings = append([]string(nil), v.Warnings...)
	return out
}

// Subscription represents an active run subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		runs:         map[string]*RunView{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events keyed by run ID. Events published before the
// first subscriber arrives are replayed from the backlog.
func (r *Router) Subscribe(runID string) Subscription {
	run := strings.TrimSpace(runID)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []Event
	r.mu.Lock()
	if r.subscribers[run] == nil {
		r.subscribers[run] = map[*subscriber]struct{}{}
	}
	r.subscribers[run][sub] = struct{}{}
	if existing := r.backlog[run]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, run)
	}
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(run, sub)
		},
	}
}

// Publish stamps, records, and delivers one event. A missing event ID or
// timestamp is filled in here; invalid events are dropped.
func (r *Router) Publish(event Event) {
	event.Normalize()
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		if r.logger != nil {
			r.logger.Printf("events: dropped invalid event: %v", err)
		}
		return
	}
	event, ok := r.admit(event)
	if !ok {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(event.RunID)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(event.RunID, event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Runs lists a copy of every tracked run view, most recently started first.
func (r *Router) Runs() []RunView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunView, 0, len(r.runs))
	for _, view := range r.runs {
		out = append(out, view.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Run returns the tracked view of one run.
func (r *Router) Run(runID string) (RunView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := r.runs[strings.TrimSpace(runID)]
	if view == nil {
		return RunView{}, false
	}
	return view.clone(), true
}

// admit rejects duplicate event IDs, assigns the sequence number, and folds
// the event into the run view.
func (r *Router) admit(event Event) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[event.EventID]; ok {
		return event, false
	}
	r.recentIDs[event.EventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, event.EventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	r.sequence++
	event.Sequence = r.sequence
	r.trackRun(event)
	return event, true
}

// trackRun folds one event into the run view. Callers hold r.mu.
func (r *Router) trackRun(event Event) {
	view := r.runs[event.RunID]
	if view == nil {
		view = &RunView{
			RunID:     event.RunID,
			Status:    "running",
			Stages:    map[string]string{},
			StartedAt: event.Time,
		}
		r.runs[event.RunID] = view
	}
	view.UpdatedAt = event.Time
	switch event.Type {
	case TypeRunStarted:
		view.Status = "running"
		view.StartedAt = event.Time
	case TypeRunCompleted:
		view.Status = "completed"
	case TypeRunFailed:
		view.Status = "failed"
		if event.Detail != "" {
			view.LastError = event.Detail
		}
	case TypeStageDispatched:
		setStage(view, event.StageID, "running")
	case TypeStageCommitted:
		setStage(view, event.StageID, "committed")
	case TypeStageFailed:
		setStage(view, event.StageID, "failed")
		if event.Detail != "" {
			view.LastError = event.Detail
		}
	case TypeStageSkipped:
		setStage(view, event.StageID, "skipped")
	case TypeRoutingFallback:
		if event.Detail != "" {
			view.Warnings = append(view.Warnings, event.Detail)
		}
	}
}

func setStage(view *RunView, stageID, status string) {
	if stageID == "" {
		return
	}
	view.Stages[stageID] = status
}

func (r *Router) snapshotSubscribers(run string) []*subscriber {
	live := r.subscribers[run]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(run string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[run]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, run)
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(run string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[run]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		if r.logger != nil {
			r.logger.Printf("events: backlog drop for %s (limit %d)", run, r.backlogLimit)
		}
	}
	queue = append(queue, event)
	r.backlog[run] = queue
}

type subscriber struct {
	ch      chan Event
	logger  Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) deliver(event Event) {
	if s.isClosed() {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
		oldest := <-s.ch
		if shouldDropOldest(oldest, event) {
			s.logDrop(oldest, "queue overflow")
			s.ch <- event
		} else {
			s.ch <- oldest
			s.logDrop(event, "queue overflow:incoming")
		}
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("events: dropped %s (%s)", event.Type, reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()
}

func (s *subscriber) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// shouldDropOldest decides which event to sacrifice on a full channel. Failure
// and terminal events are never dropped in favor of progress chatter.
func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isCriticalEvent(kind string) bool {
	switch kind {
	case TypeRunCompleted, TypeRunFailed, TypeStageFailed:
		return true
	}
	return false
}

func isPreferredDrop(kind string) bool {
	return kind == TypeStageDispatched
}
