// internal/tui/run_view.go
//
// The run screen. It drives the engine for new and resumed runs, follows the
// event stream while stages execute, and renders recorded runs read-only.
// Stage states shown here fold the live events over the loaded checkpoint so
// the screen never reads state the engine is still writing.

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nvidales/adrsynth/internal/events"
	"github.com/nvidales/adrsynth/internal/workflow/engine"
)

var (
	stageStyleCommitted = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	stageStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	stageStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	stageStyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	stageStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	fallbackTagStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	warningTextStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	feedTextStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
)

// runMode selects how the run view drives the engine.
type runMode int

const (
	runModeStart runMode = iota
	runModeResume
	runModeInspect
)

const activityFeedLimit = 6

type runInitMsg struct {
	run engine.RunState
	err error
}

type runDoneMsg struct {
	runID string
	run   engine.RunState
	err   error
}

type runEventMsg struct {
	evt events.Event
	ok  bool
}

// stageDisplay is the rendered view of one stage, merged from the checkpoint
// and the live event stream.
type stageDisplay struct {
	status engine.StageStatus
	route  string
	detail string
}

type runView struct {
	app   *App
	mode  runMode
	runID string

	run       engine.RunState
	loaded    bool
	executing bool
	finished  bool
	err       error

	sub *events.Subscription

	live         map[string]stageDisplay
	liveStatus   engine.RunStatus
	liveWarnings []string

	selection int
	feed      []string
}

func newRunView(app *App, mode runMode, runID string) *runView {
	return &runView{app: app, mode: mode, runID: strings.TrimSpace(runID)}
}

// Init loads or creates the run. Execution starts once the init message lands.
func (v *runView) Init() tea.Cmd {
	eng := v.app.eng
	if v.mode == runModeStart {
		supplements := v.app.supplements
		return func() tea.Msg {
			run, err := eng.Initialize(engine.InitRequest{Supplements: supplements})
			return runInitMsg{run: run, err: err}
		}
	}
	runID := v.runID
	return func() tea.Msg {
		run, err := eng.View(runID)
		return runInitMsg{run: run, err: err}
	}
}

func (v *runView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case runInitMsg:
		return v.handleInit(m)
	case runEventMsg:
		if !m.ok {
			return nil
		}
		if m.evt.RunID != v.runID {
			return nil
		}
		v.applyEvent(m.evt)
		return v.waitForEvent()
	case runDoneMsg:
		return v.handleDone(m)
	case tea.KeyMsg:
		return v.handleKey(m)
	}
	return nil
}

func (v *runView) handleInit(m runInitMsg) tea.Cmd {
	if m.err != nil {
		v.err = m.err
		v.setStatus(fmt.Sprintf("Run unavailable: %v", m.err))
		return nil
	}
	v.err = nil
	v.run = m.run
	v.runID = m.run.RunID
	v.loaded = true

	if v.mode == runModeInspect {
		v.finished = v.run.Status.Terminal()
		v.setStatus(fmt.Sprintf("Viewing run %s", shortID(v.runID)))
		if v.finished {
			return nil
		}
		// The run may still be executing in this process; follow along.
		sub := v.app.router.Subscribe(v.runID)
		v.sub = &sub
		return v.waitForEvent()
	}
	return v.launch()
}

// launch subscribes to the run's events and starts the engine. The live map
// is seeded from the checkpoint first so resumed runs show their committed
// stages immediately.
func (v *runView) launch() tea.Cmd {
	v.seedLive()
	v.liveStatus = engine.RunStatusRunning
	sub := v.app.router.Subscribe(v.runID)
	v.sub = &sub
	v.executing = true
	v.finished = false
	v.setStatus(fmt.Sprintf("Run %s started", shortID(v.runID)))

	eng := v.app.eng
	runID := v.runID
	var execute tea.Cmd
	if v.mode == runModeResume {
		execute = func() tea.Msg {
			run, err := eng.Resume(context.Background(), runID, false)
			return runDoneMsg{runID: runID, run: run, err: err}
		}
	} else {
		run := v.run
		execute = func() tea.Msg {
			final, err := eng.Execute(context.Background(), run)
			return runDoneMsg{runID: runID, run: final, err: err}
		}
	}
	return tea.Batch(execute, v.waitForEvent())
}

func (v *runView) handleDone(m runDoneMsg) tea.Cmd {
	v.executing = false
	v.finished = true
	v.closeSubscription()
	if m.run.RunID != "" {
		v.run = m.run
		v.liveStatus = ""
	} else if m.err != nil {
		v.liveStatus = engine.RunStatusFailed
	}
	if m.err != nil {
		v.setStatus(fmt.Sprintf("Run %s failed: %v", shortID(v.runID), m.err))
	} else {
		v.setStatus(fmt.Sprintf("Run %s completed", shortID(v.runID)))
	}
	v.app.reloadHistory()
	return nil
}

func (v *runView) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "k":
		if v.selection > 0 {
			v.selection--
		}
	case "down", "j":
		if v.selection < len(v.stageOrder())-1 {
			v.selection++
		}
	case "r":
		return v.resume()
	}
	return nil
}

// resume re-drives a loaded run that still has work left.
func (v *runView) resume() tea.Cmd {
	if !v.canResume() {
		return nil
	}
	v.mode = runModeResume
	v.feed = nil
	v.liveWarnings = nil
	v.closeSubscription()
	return v.launch()
}

func (v *runView) canResume() bool {
	return v.loaded && !v.executing && v.currentStatus() != engine.RunStatusCompleted
}

func (v *runView) waitForEvent() tea.Cmd {
	if v.sub == nil {
		return nil
	}
	ch := v.sub.Events
	return func() tea.Msg {
		evt, ok := <-ch
		return runEventMsg{evt: evt, ok: ok}
	}
}

func (v *runView) closeSubscription() {
	if v.sub != nil {
		v.sub.Close()
		v.sub = nil
	}
}

func (v *runView) close() {
	v.closeSubscription()
}

// seedLive copies the checkpointed stage records into the live overlay.
// Called before execution starts, never concurrently with it.
func (v *runView) seedLive() {
	v.live = map[string]stageDisplay{}
	for id, record := range v.run.Stages {
		entry := stageDisplay{status: record.Status, route: string(record.Route)}
		if record.Error != "" {
			entry.detail = record.Error
		} else {
			entry.detail = record.Detail
		}
		v.live[id] = entry
	}
}

func (v *runView) applyEvent(evt events.Event) {
	v.pushFeed(evt)
	switch evt.Type {
	case events.TypeRunStarted:
		v.liveStatus = engine.RunStatusRunning
	case events.TypeRunCompleted:
		v.liveStatus = engine.RunStatusCompleted
		v.finished = true
	case events.TypeRunFailed:
		v.liveStatus = engine.RunStatusFailed
		v.finished = true
	case events.TypeStageDispatched:
		v.setLive(evt.StageID, engine.StageStatusRunning, evt.Detail, "")
	case events.TypeStageCommitted:
		v.setLive(evt.StageID, engine.StageStatusCommitted, "", "")
	case events.TypeStageFailed:
		v.setLive(evt.StageID, engine.StageStatusFailed, "", evt.Detail)
	case events.TypeStageSkipped:
		v.setLive(evt.StageID, engine.StageStatusSkipped, "", evt.Detail)
	case events.TypeRoutingFallback:
		if evt.Detail != "" {
			v.liveWarnings = append(v.liveWarnings, evt.Detail)
		}
	}
}

func (v *runView) setLive(id string, status engine.StageStatus, route, detail string) {
	if id == "" {
		return
	}
	if v.live == nil {
		v.live = map[string]stageDisplay{}
	}
	entry := v.live[id]
	entry.status = status
	if route != "" {
		entry.route = route
	}
	entry.detail = detail
	v.live[id] = entry
}

func (v *runView) pushFeed(evt events.Event) {
	stamp := evt.Time.Local().Format("15:04:05")
	label := strings.ReplaceAll(evt.Type, "_", " ")
	line := fmt.Sprintf("%s %s", stamp, label)
	if evt.StageID != "" {
		line = fmt.Sprintf("%s %s %s", stamp, evt.StageID, strings.TrimPrefix(label, "stage "))
	}
	if evt.Detail != "" && evt.Type != events.TypeStageDispatched {
		line += ": " + evt.Detail
	}
	v.feed = append(v.feed, line)
	if len(v.feed) > activityFeedLimit {
		v.feed = v.feed[len(v.feed)-activityFeedLimit:]
	}
}

func (v *runView) currentStatus() engine.RunStatus {
	if v.liveStatus != "" {
		return v.liveStatus
	}
	return v.run.Status
}

func (v *runView) stageOrder() []string {
	return v.run.Definition.StageIDs()
}

// stageDisplayFor merges the live overlay with the checkpoint. While the
// engine executes only the overlay is consulted; the checkpoint's stage map
// belongs to the engine until the run settles.
func (v *runView) stageDisplayFor(id string) stageDisplay {
	if entry, ok := v.live[id]; ok {
		return entry
	}
	if v.executing {
		return stageDisplay{status: engine.StageStatusPending}
	}
	record, ok := v.run.Stages[id]
	if !ok {
		return stageDisplay{status: engine.StageStatusPending}
	}
	entry := stageDisplay{status: record.Status, route: string(record.Route)}
	if record.Error != "" {
		entry.detail = record.Error
	} else {
		entry.detail = record.Detail
	}
	return entry
}

func (v *runView) stageInfo(id string) (name, description string) {
	name = id
	for _, ref := range v.run.Definition.Stages {
		if ref.InstanceID() == id {
			if strings.TrimSpace(ref.Name) != "" {
				name = ref.Name
			}
			return name, ref.Description
		}
	}
	return name, ""
}

func (v *runView) currentWarnings() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for i := range v.run.Warnings {
		add(v.run.Warnings[i].String())
	}
	for _, w := range v.liveWarnings {
		add(w)
	}
	return out
}

func (v *runView) View() string {
	if v.err != nil {
		return fmt.Sprintf("Run error: %v", v.err)
	}
	if !v.loaded {
		return "Preparing run..."
	}

	status := v.currentStatus()
	header := fmt.Sprintf("Run %s · %s · %s", shortID(v.run.RunID), v.run.Pipeline, friendlyLabel(string(status)))
	if !v.executing && v.run.StatusReason != "" {
		header += " · " + v.run.StatusReason
	}

	lines := []string{header, ""}
	ids := v.stageOrder()
	if v.selection >= len(ids) {
		v.selection = max(0, len(ids)-1)
	}
	for i, id := range ids {
		lines = append(lines, v.renderStageLine(i, id))
		if i == v.selection {
			lines = append(lines, v.renderStageDetail(id))
		}
	}

	if warnings := v.currentWarnings(); len(warnings) > 0 {
		lines = append(lines, "")
		for _, warning := range warnings {
			lines = append(lines, warningTextStyle.Render("⚠ "+warning))
		}
	}
	if len(v.feed) > 0 {
		lines = append(lines, "", feedTextStyle.Render(strings.Join(v.feed, "\n")))
	}
	lines = append(lines, "", v.hints())
	return strings.Join(lines, "\n")
}

func (v *runView) renderStageLine(idx int, id string) string {
	indicator := " "
	if idx == v.selection {
		indicator = ">"
	}
	display := v.stageDisplayFor(id)
	name, _ := v.stageInfo(id)
	label := stageStatusStyle(display.status).Render(friendlyLabel(string(display.status)))
	line := fmt.Sprintf("%s %s · [%s]", indicator, name, label)
	if display.route == "fallback" {
		line += " " + fallbackTagStyle.Render("(fallback)")
	}
	return line
}

func (v *runView) renderStageDetail(id string) string {
	display := v.stageDisplayFor(id)
	_, description := v.stageInfo(id)

	var details []string
	if description != "" {
		details = append(details, description)
	}
	if deps := v.run.Definition.Dependencies(id); len(deps) > 0 {
		details = append(details, "Depends on: "+strings.Join(deps, ", "))
	}
	if display.route != "" {
		details = append(details, "Route: "+display.route)
	}
	if display.detail != "" {
		details = append(details, display.detail)
	}
	if !v.executing {
		if record, ok := v.run.Stages[id]; ok && !record.StartedAt.IsZero() && !record.FinishedAt.IsZero() {
			details = append(details, "Took "+record.FinishedAt.Sub(record.StartedAt).Round(time.Millisecond).String())
		}
	}
	if len(details) == 0 {
		return detailTextStyle.Render("    no additional details")
	}
	return detailTextStyle.Render("    " + strings.Join(details, "\n    "))
}

func (v *runView) hints() string {
	hints := []string{"up/down=select stage"}
	if v.canResume() {
		hints = append(hints, "r=resume")
	}
	if v.executing {
		hints = append(hints, "esc=back (run continues)")
	} else {
		hints = append(hints, "esc=back")
	}
	return strings.Join(hints, "  ")
}

func (v *runView) setStatus(message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	v.app.statusMsg = message
	v.app.logProgress(message)
}

func stageStatusStyle(status engine.StageStatus) lipgloss.Style {
	switch status {
	case engine.StageStatusCommitted:
		return stageStyleCommitted
	case engine.StageStatusFailed:
		return stageStyleFailed
	case engine.StageStatusRunning:
		return stageStyleRunning
	case engine.StageStatusSkipped:
		return stageStyleSkipped
	default:
		return stageStyleDefault
	}
}
