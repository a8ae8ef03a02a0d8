// internal/tui/app.go
//
// The adrsynth terminal UI, built on bubbletea's model/update/view loop.
// The app hosts three screens: the main menu with the run board, the run
// picker for recorded runs, and the run view that follows a live pipeline.

package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/events"
	"github.com/nvidales/adrsynth/internal/logbook"
	"github.com/nvidales/adrsynth/internal/runhistory"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/stages"
	"github.com/nvidales/adrsynth/internal/workflow"
	"github.com/nvidales/adrsynth/internal/workflow/engine"
	"github.com/nvidales/adrsynth/plugins"
)

// appState identifies the active screen.
type appState int

const (
	stateMenu appState = iota
	stateRunPicker
	stateRunView
)

// boardFocus tracks which side of the menu screen receives navigation keys.
type boardFocus int

const (
	focusMenu boardFocus = iota
	focusRuns
)

const (
	boardRefreshInterval = 3 * time.Second
	boardRunLimit        = 6
)

// EngineFactory assembles the engine plus the plugin supplements a run should
// carry. Injectable so tests can swap in stub stages.
type EngineFactory func(cfg *config.Config, router *events.Router) (*engine.Engine, []workflow.StageRef, error)

// AppOption customizes App construction.
type AppOption func(*App)

// WithEngineFactory overrides how the app assembles its workflow engine.
func WithEngineFactory(factory EngineFactory) AppOption {
	return func(a *App) {
		if factory != nil {
			a.engineFactory = factory
		}
	}
}

// WithEventRouter shares an event router with the app, letting the status
// server and the TUI observe the same stream.
func WithEventRouter(router *events.Router) AppOption {
	return func(a *App) {
		if router != nil {
			a.router = router
		}
	}
}

type historyRefreshMsg struct {
	summaries []runhistory.Summary
	err       error
}

// menuItem is a list entry for the main menu.
type menuItem struct {
	title string
	desc  string
}

func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.desc }
func (i menuItem) FilterValue() string { return i.title }

// runItem adapts a run summary to the picker list.
type runItem struct {
	summary runhistory.Summary
}

func (r runItem) Title() string {
	return fmt.Sprintf("%s · %s", shortID(r.summary.RunID), statusLabel(r.summary))
}

func (r runItem) Description() string {
	if r.summary.Status == "" && r.summary.Reason != "" {
		return r.summary.Reason
	}
	parts := []string{fmt.Sprintf("%s stages", r.summary.Progress())}
	if r.summary.Warnings > 0 {
		parts = append(parts, fmt.Sprintf("%d warning(s)", r.summary.Warnings))
	}
	if !r.summary.UpdatedAt.IsZero() {
		parts = append(parts, fmt.Sprintf("updated %s ago", humanizeDuration(time.Since(r.summary.UpdatedAt))))
	}
	return strings.Join(parts, " · ")
}

func (r runItem) FilterValue() string { return r.summary.RunID }

// App is the root bubbletea model.
type App struct {
	state appState

	config  *config.Config
	logbook *logbook.Logbook
	router  *events.Router
	history *runhistory.History

	engineFactory EngineFactory
	eng           *engine.Engine
	supplements   []workflow.StageRef

	mainMenu  list.Model
	runPicker list.Model
	runView   *runView

	statusMsg     string
	lastLogStatus string

	width  int
	height int

	boardFocus   boardFocus
	recentRuns   []runhistory.Summary
	runSelection int
	boardErr     string
}

// NewApp builds the TUI for the project rooted at projectDir. The work
// directory is expected to exist; callers run config.InitWorkDir first.
func NewApp(projectDir string, opts ...AppOption) (*App, error) {
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}
	lb, err := logbook.New(filepath.Join(cfg.LogsDir(), "tui.log"))
	if err == nil {
		lb.Info("session opened for project %s", cfg.Project.Project.Name)
	}

	mainMenu := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	mainMenu.Title = "⬢ ADR SYNTH"
	mainMenu.SetShowStatusBar(false)
	mainMenu.SetFilteringEnabled(false)

	runPicker := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	runPicker.Title = "Recorded Runs"
	runPicker.SetShowStatusBar(false)
	runPicker.SetFilteringEnabled(false)

	app := &App{
		state:         stateMenu,
		config:        cfg,
		logbook:       lb,
		router:        events.NewRouter(),
		history:       runhistory.New(engine.NewRepository(cfg)),
		engineFactory: defaultEngineFactory,
		mainMenu:      mainMenu,
		runPicker:     runPicker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.reloadHistory()
	app.mainMenu.SetItems(buildMainMenu(app.latestRun()))
	app.refreshRunPicker()
	return app, nil
}

// defaultEngineFactory wires the full stage catalog: the built-in pipeline
// stages plus any supplements declared under the project's plugins directory.
func defaultEngineFactory(cfg *config.Config, router *events.Router) (*engine.Engine, []workflow.StageRef, error) {
	reg := stage.NewRegistry()
	stages.RegisterBuiltins(reg)
	supplements, err := plugins.RegisterSupplements(reg, cfg)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(cfg, reg, engine.NewRepository(cfg), engine.WithEvents(router))
	if err != nil {
		return nil, nil, err
	}
	return eng, supplements, nil
}

// buildMainMenu assembles menu entries based on what history offers. A resume
// entry only appears when the newest run still has work left.
func buildMainMenu(latest *runhistory.Summary) []list.Item {
	items := []list.Item{
		menuItem{title: "Start Analysis", desc: "Run the pipeline against the configured project"},
	}
	if latest != nil && latest.Resumable() {
		items = append(items, menuItem{
			title: fmt.Sprintf("Resume Last Run (%s)", statusLabel(*latest)),
			desc:  fmt.Sprintf("Continue %s with %s stages committed", shortID(latest.RunID), latest.Progress()),
		})
	}
	items = append(items,
		menuItem{title: "Browse Runs", desc: "Inspect or resume recorded runs"},
		menuItem{title: "Exit", desc: "Quit adrsynth"},
	)
	return items
}

func (a *App) ensureEngine() error {
	if a.eng != nil {
		return nil
	}
	eng, supplements, err := a.engineFactory(a.config, a.router)
	if err != nil {
		return err
	}
	a.eng = eng
	a.supplements = supplements
	return nil
}

func (a *App) reloadHistory() {
	summaries, err := a.history.Summaries()
	if err != nil {
		a.boardErr = err.Error()
		return
	}
	a.boardErr = ""
	a.applySummaries(summaries)
}

func (a *App) applySummaries(summaries []runhistory.Summary) {
	a.recentRuns = summaries
	if shown := len(a.boardRuns()); a.runSelection >= shown {
		a.runSelection = max(0, shown-1)
	}
}

// boardRuns returns the slice of recent runs shown on the board.
func (a *App) boardRuns() []runhistory.Summary {
	if len(a.recentRuns) <= boardRunLimit {
		return a.recentRuns
	}
	return a.recentRuns[:boardRunLimit]
}

func (a *App) latestRun() *runhistory.Summary {
	if len(a.recentRuns) == 0 {
		return nil
	}
	return &a.recentRuns[0]
}

func (a *App) refreshRunPicker() {
	items := make([]list.Item, len(a.recentRuns))
	for i := range a.recentRuns {
		items[i] = runItem{summary: a.recentRuns[i]}
	}
	a.runPicker.SetItems(items)
}

// logProgress writes a status line to the session log, collapsing repeats.
func (a *App) logProgress(status string) {
	status = strings.TrimSpace(status)
	if status == "" || status == a.lastLogStatus {
		return
	}
	a.lastLogStatus = status
	a.logbook.Info("%s", status)
}

// Init starts the periodic run board refresh.
func (a *App) Init() tea.Cmd {
	return a.fetchHistory()
}

func (a *App) fetchHistory() tea.Cmd {
	history := a.history
	return func() tea.Msg {
		summaries, err := history.Summaries()
		return historyRefreshMsg{summaries: summaries, err: err}
	}
}

func (a *App) scheduleHistoryRefresh() tea.Cmd {
	history := a.history
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		summaries, err := history.Summaries()
		return historyRefreshMsg{summaries: summaries, err: err}
	})
}

// Update routes messages to the active screen.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.mainMenu.SetSize(max(20, msg.Width-6), max(10, msg.Height-12))
		a.runPicker.SetSize(max(20, msg.Width-6), max(10, msg.Height-12))
		return a, nil

	case historyRefreshMsg:
		if msg.err != nil {
			a.boardErr = msg.err.Error()
		} else {
			a.boardErr = ""
			a.applySummaries(msg.summaries)
		}
		return a, a.scheduleHistoryRefresh()

	case runInitMsg, runEventMsg:
		if a.runView != nil {
			return a, a.runView.Update(msg)
		}
		return a, nil

	case runDoneMsg:
		if a.runView != nil && a.runView.runID == msg.runID {
			return a, a.runView.Update(msg)
		}
		// The view was dismissed while the run kept going.
		a.reloadHistory()
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Background run %s failed: %v", shortID(msg.runID), msg.err)
		} else {
			a.statusMsg = fmt.Sprintf("Background run %s completed", shortID(msg.runID))
		}
		a.logProgress(a.statusMsg)
		return a, nil

	case tea.KeyMsg:
		if model, cmd, handled := a.handleKey(msg); handled {
			return model, cmd
		}
	}
	return a.delegate(msg)
}

// handleKey covers app-level navigation. Unhandled keys fall through to the
// active screen.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		a.logbook.Info("session closed")
		return a, tea.Quit, true
	case "q":
		if a.state == stateMenu {
			a.logbook.Info("session closed")
			return a, tea.Quit, true
		}
	case "esc":
		if a.state != stateMenu {
			model, cmd := a.returnToMenu()
			return model, cmd, true
		}
	case "tab":
		if a.state == stateMenu {
			a.toggleBoardFocus()
			return a, nil, true
		}
	case "right", "l":
		if a.state == stateMenu && a.boardFocus == focusMenu && len(a.boardRuns()) > 0 {
			a.boardFocus = focusRuns
			return a, nil, true
		}
	case "left", "h":
		if a.state == stateMenu && a.boardFocus == focusRuns {
			a.boardFocus = focusMenu
			return a, nil, true
		}
	case "up", "k":
		if a.state == stateMenu && a.boardFocus == focusRuns {
			if a.runSelection > 0 {
				a.runSelection--
			}
			return a, nil, true
		}
	case "down", "j":
		if a.state == stateMenu && a.boardFocus == focusRuns {
			if a.runSelection < len(a.boardRuns())-1 {
				a.runSelection++
			}
			return a, nil, true
		}
	case "enter":
		switch a.state {
		case stateMenu:
			if a.boardFocus == focusRuns {
				model, cmd := a.openSelectedBoardRun()
				return model, cmd, true
			}
			model, cmd := a.handleMenuSelection()
			return model, cmd, true
		case stateRunPicker:
			model, cmd := a.confirmRunSelection()
			return model, cmd, true
		}
	}
	return a, nil, false
}

func (a *App) toggleBoardFocus() {
	if a.boardFocus == focusMenu && len(a.boardRuns()) > 0 {
		a.boardFocus = focusRuns
		return
	}
	a.boardFocus = focusMenu
}

func (a *App) delegate(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch a.state {
	case stateMenu:
		if a.boardFocus == focusMenu {
			var cmd tea.Cmd
			a.mainMenu, cmd = a.mainMenu.Update(msg)
			return a, cmd
		}
	case stateRunPicker:
		var cmd tea.Cmd
		a.runPicker, cmd = a.runPicker.Update(msg)
		return a, cmd
	case stateRunView:
		if a.runView != nil {
			return a, a.runView.Update(msg)
		}
	}
	return a, nil
}

func (a *App) handleMenuSelection() (tea.Model, tea.Cmd) {
	item, ok := a.mainMenu.SelectedItem().(menuItem)
	if !ok {
		return a, nil
	}
	switch {
	case item.title == "Start Analysis":
		a.logbook.Info("menu: start analysis")
		return a.openRunView(runModeStart, "")
	case strings.HasPrefix(item.title, "Resume Last Run"):
		latest := a.latestRun()
		if latest == nil {
			a.statusMsg = "No runs recorded yet"
			return a, nil
		}
		a.logbook.Info("menu: resume %s", latest.RunID)
		return a.openRunView(runModeResume, latest.RunID)
	case item.title == "Browse Runs":
		return a.openRunPicker()
	case item.title == "Exit":
		a.logbook.Info("session closed")
		return a, tea.Quit
	}
	return a, nil
}

func (a *App) openRunPicker() (tea.Model, tea.Cmd) {
	a.reloadHistory()
	a.refreshRunPicker()
	a.state = stateRunPicker
	if a.width > 0 && a.height > 0 {
		a.runPicker.SetSize(max(20, a.width-6), max(10, a.height-12))
	}
	a.statusMsg = "Enter opens the selected run"
	return a, nil
}

func (a *App) confirmRunSelection() (tea.Model, tea.Cmd) {
	item, ok := a.runPicker.SelectedItem().(runItem)
	if !ok {
		a.statusMsg = "No run selected"
		return a, nil
	}
	if item.summary.Status == "" {
		a.statusMsg = fmt.Sprintf("Run %s has an unreadable checkpoint", shortID(item.summary.RunID))
		return a, nil
	}
	return a.openRunView(runModeInspect, item.summary.RunID)
}

func (a *App) openSelectedBoardRun() (tea.Model, tea.Cmd) {
	runs := a.boardRuns()
	if len(runs) == 0 {
		return a, nil
	}
	if a.runSelection >= len(runs) {
		a.runSelection = len(runs) - 1
	}
	selected := runs[a.runSelection]
	if selected.Status == "" {
		a.statusMsg = fmt.Sprintf("Run %s has an unreadable checkpoint", shortID(selected.RunID))
		return a, nil
	}
	return a.openRunView(runModeInspect, selected.RunID)
}

// openRunView switches to the run screen in the requested mode.
func (a *App) openRunView(mode runMode, runID string) (tea.Model, tea.Cmd) {
	if err := a.ensureEngine(); err != nil {
		a.statusMsg = fmt.Sprintf("Engine unavailable: %v", err)
		a.logbook.Error("engine assembly failed: %v", err)
		return a, nil
	}
	a.state = stateRunView
	a.runView = newRunView(a, mode, runID)
	return a, a.runView.Init()
}

func (a *App) returnToMenu() (tea.Model, tea.Cmd) {
	if a.runView != nil {
		if a.runView.executing && !a.runView.finished {
			a.statusMsg = fmt.Sprintf("Run %s continues in the background", shortID(a.runView.runID))
			a.logProgress(a.statusMsg)
		}
		a.runView.close()
	}
	a.state = stateMenu
	a.runView = nil
	a.boardFocus = focusMenu
	a.reloadHistory()
	a.mainMenu.SetItems(buildMainMenu(a.latestRun()))
	a.refreshRunPicker()
	return a, nil
}

// View renders the active screen inside the status board.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}

	var content string
	switch a.state {
	case stateMenu:
		content = a.mainMenu.View()
	case stateRunPicker:
		content = a.renderRunPicker()
	case stateRunView:
		if a.runView != nil {
			content = a.runView.View()
		} else {
			content = "Loading run..."
		}
	}
	return a.renderBoard(content, leftWidth, rightWidth)
}

func (a *App) renderBoard(content string, leftWidth, rightWidth int) string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Padding(0, 1).
		Render("⬢ ADRSYNTH")

	panelBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)

	left := lipgloss.JoinVertical(lipgloss.Left,
		panelBox.Width(max(24, leftWidth)).Render(a.renderProjectPanel(leftWidth-4)),
		content,
	)
	body := left
	if rightWidth > 0 {
		right := panelBox.Width(rightWidth).Render(a.renderRunsPanel(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
	}

	sections := []string{header, body}
	if logPanel := a.renderLogPanel(max(40, leftWidth)); logPanel != "" {
		sections = append(sections, logPanel)
	}
	sections = append(sections, a.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (a *App) renderProjectPanel(width int) string {
	name := strings.TrimSpace(a.config.Project.Project.Name)
	if name == "" {
		name = filepath.Base(a.config.ProjectDir)
	}
	lines := []string{fmt.Sprintf("Project: %s", name)}

	scope := "terraform + source"
	if !a.config.IncludeTerraform() {
		scope = "source only"
	}
	tracks := "minor + major"
	if !a.config.IncludeMajor() {
		tracks = "minor only"
	}
	lines = append(lines, fmt.Sprintf("Analysis: %s · %s", scope, tracks))

	if provider := strings.TrimSpace(a.config.Project.LLM.Provider); provider != "" {
		line := fmt.Sprintf("Provider: %s", provider)
		if model := strings.TrimSpace(a.config.Project.LLM.Model); model != "" {
			line += " · " + model
		}
		lines = append(lines, line)
	}
	if a.boardErr != "" {
		lines = append(lines, "⚠ "+a.boardErr)
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderRunsPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Runs (%d)", len(a.recentRuns)))

	runs := a.boardRuns()
	if len(runs) == 0 {
		empty := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).
			Render("No runs yet.\nStart an analysis to populate the board.")
		return lipgloss.JoinVertical(lipgloss.Left, title, empty)
	}

	rows := make([]string, 0, len(runs)+2)
	rows = append(rows, title)
	for i, summary := range runs {
		selected := a.state == stateMenu && a.boardFocus == focusRuns && i == a.runSelection
		rows = append(rows, a.renderRunRow(summary, selected, width))
	}
	instructions := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).
		Render("tab switches focus · enter opens")
	rows = append(rows, instructions)
	return strings.Join(rows, "\n")
}

func (a *App) renderRunRow(summary runhistory.Summary, selected bool, width int) string {
	indicator := "  "
	if selected {
		indicator = "> "
	}
	head := fmt.Sprintf("%s%s · %s", indicator, shortID(summary.RunID), statusLabel(summary))
	detail := fmt.Sprintf("  %s stages", summary.Progress())
	if summary.Status == "" && summary.Reason != "" {
		detail = "  " + summary.Reason
	} else if summary.Warnings > 0 {
		detail += fmt.Sprintf(" · ⚠ %d", summary.Warnings)
	}
	if !summary.UpdatedAt.IsZero() {
		detail += fmt.Sprintf(" · %s ago", humanizeDuration(time.Since(summary.UpdatedAt)))
	}

	style := lipgloss.NewStyle().Width(max(20, width))
	if selected {
		style = style.Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	}
	return style.Render(head + "\n" + detail)
}

func (a *App) renderRunPicker() string {
	view := a.runPicker.View()
	if strings.TrimSpace(view) == "" {
		view = "No runs recorded"
	}
	hint := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).MarginTop(1).
		Render("enter=open run  esc=back")
	return lipgloss.JoinVertical(lipgloss.Left, view, hint)
}

func (a *App) renderLogPanel(width int) string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#888888")).
		Render("LOG · " + a.logbook.Path())
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(40, width))
	return box.Render(title + "\n" + strings.Join(lines, "\n"))
}

func (a *App) renderFooter() string {
	hints := "q=quit  tab=runs  enter=select"
	if a.state != stateMenu {
		hints = "esc=back  ctrl+c=quit"
	}
	parts := []string{hints}
	if a.statusMsg != "" {
		parts = append(parts, a.statusMsg)
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		Padding(0, 1).
		Render(strings.Join(parts, "    "))
}

// statusLabel renders a summary's status for display, covering checkpoints
// that could not be read.
func statusLabel(summary runhistory.Summary) string {
	if summary.Status == "" {
		return "Unreadable"
	}
	return friendlyLabel(string(summary.Status))
}

// shortID abbreviates a run ID for display.
func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// friendlyLabel turns snake or kebab identifiers into spaced title words.
func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "_", " ")
	value = strings.ReplaceAll(value, "-", " ")
	words := strings.Fields(value)
	for i, word := range words {
		words[i] = titleCase(word)
	}
	return strings.Join(words, " ")
}

func titleCase(word string) string {
	if word == "" {
		return word
	}
	runes := []rune(word)
	return strings.ToUpper(string(runes[0])) + strings.ToLower(string(runes[1:]))
}

func humanizeDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
