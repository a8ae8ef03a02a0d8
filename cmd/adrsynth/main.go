// cmd/adrsynth/main.go
//
// Entry point for the adrsynth CLI.
//
// Modes:
//  1. No flags: launch the TUI (menu, live run board, run picker).
//  2. -run / -resume / -headless: drive the pipeline without the TUI,
//     streaming progress to stdout.
//  3. -list-runs: print the recorded runs and exit.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/events"
	"github.com/nvidales/adrsynth/internal/logging"
	"github.com/nvidales/adrsynth/internal/runhistory"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/stages"
	"github.com/nvidales/adrsynth/internal/tui"
	"github.com/nvidales/adrsynth/internal/workflow"
	"github.com/nvidales/adrsynth/internal/workflow/engine"
	"github.com/nvidales/adrsynth/plugins"
)

func main() {
	projectDir := flag.String("config", "", "project directory holding the .adrsynth workspace (defaults to cwd)")
	startRun := flag.Bool("run", false, "start a new analysis run and wait for it to settle (implies -headless)")
	resumeRef := flag.String("resume", "", "resume the recorded run matching this ID or prefix (implies -headless)")
	headless := flag.Bool("headless", false, "run without the TUI; with no other action flags starts a new analysis")
	forceRefresh := flag.Bool("force-refresh", false, "with -resume: discard prior progress and rerun every stage")
	listRuns := flag.Bool("list-runs", false, "print recorded runs and exit")
	serve := flag.Bool("serve", false, "enable the HTTP status server for this invocation")
	flag.Parse()

	if *startRun && strings.TrimSpace(*resumeRef) != "" {
		die("-run and -resume are mutually exclusive")
	}

	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	if err := config.InitWorkDir(absoluteProject); err != nil {
		die("init %s: %v", config.WorkDirName, err)
	}
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}

	if *listRuns {
		if err := printRuns(cfg); err != nil {
			die("list runs: %v", err)
		}
		return
	}

	headlessMode := *startRun || *headless || strings.TrimSpace(*resumeRef) != ""

	procLog, err := logging.New(absoluteProject)
	if err != nil {
		fmt.Fprintf(os.Stderr, "process log unavailable: %v\n", err)
	}
	defer procLog.Close()

	// One router feeds every observer of this process: the status server,
	// the TUI run view, and the headless stdout stream.
	router := events.NewRouter(events.RouterWithLogger(procLog))
	settings := events.SettingsFromConfig(cfg)
	if *serve {
		settings.Enabled = true
	}
	if settings.Enabled {
		server := events.NewServer(settings, events.WithRouter(router), events.WithLogger(procLog))
		if err := server.Start(context.Background()); err != nil {
			die("start status server: %v", err)
		}
		defer server.Shutdown(nil)
		if headlessMode {
			fmt.Printf("Status server: %s\n", server.BaseURL())
		}
	}

	if headlessMode {
		if err := runHeadless(cfg, router, *resumeRef, *forceRefresh); err != nil {
			die("%v", err)
		}
		return
	}

	app, err := tui.NewApp(absoluteProject, tui.WithEventRouter(router))
	if err != nil {
		die("start TUI: %v", err)
	}
	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		die("run TUI: %v", err)
	}
}

// runHeadless drives one run to a terminal state, mirroring what the run view
// shows as plain lines on stdout. Returns the run failure, if any, so the
// process exits non-zero on failed pipelines.
func runHeadless(cfg *config.Config, router *events.Router, resumeRef string, force bool) error {
	eng, supplements, err := buildEngine(cfg, router)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var (
		final  engine.RunState
		runErr error
	)
	if ref := strings.TrimSpace(resumeRef); ref != "" {
		history := runhistory.New(engine.NewRepository(cfg))
		summary, err := history.Resolve(ref)
		if err != nil {
			return err
		}
		fmt.Printf("Resuming run %s (%s committed)\n", summary.RunID, summary.Progress())
		wait := streamEvents(router, summary.RunID)
		final, runErr = eng.Resume(ctx, summary.RunID, force)
		wait()
	} else {
		run, err := eng.Initialize(engine.InitRequest{Supplements: supplements})
		if err != nil {
			return err
		}
		fmt.Printf("Starting run %s (%s, %d stages)\n", run.RunID, run.Pipeline, len(run.Definition.Stages))
		wait := streamEvents(router, run.RunID)
		final, runErr = eng.Execute(ctx, run)
		wait()
	}
	printOutcome(cfg, final)
	return runErr
}

// buildEngine assembles the production engine: builtin stages plus whatever
// supplements the project's plugins contribute.
func buildEngine(cfg *config.Config, router *events.Router) (*engine.Engine, []workflow.StageRef, error) {
	reg := stage.NewRegistry()
	stages.RegisterBuiltins(reg)
	supplements, err := plugins.RegisterSupplements(reg, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load plugins: %w", err)
	}
	eng, err := engine.New(cfg, reg, engine.NewRepository(cfg), engine.WithEvents(router))
	if err != nil {
		return nil, nil, err
	}
	return eng, supplements, nil
}

// streamEvents prints run events as they arrive. The returned func closes the
// subscription and blocks until buffered events have drained.
func streamEvents(router *events.Router, runID string) func() {
	sub := router.Subscribe(runID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub.Events {
			printEvent(evt)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

func printEvent(evt events.Event) {
	stamp := evt.Time.Format("15:04:05")
	switch evt.Type {
	case events.TypeRunStarted:
		fmt.Printf("%s run started (%s)\n", stamp, evt.Detail)
	case events.TypeRunCompleted:
		fmt.Printf("%s run completed\n", stamp)
	case events.TypeRunFailed:
		fmt.Printf("%s run failed: %s\n", stamp, evt.Detail)
	case events.TypeStageDispatched:
		fmt.Printf("%s [%s] dispatched (%s route)\n", stamp, evt.StageID, evt.Detail)
	case events.TypeStageCommitted:
		fmt.Printf("%s [%s] committed\n", stamp, evt.StageID)
	case events.TypeStageFailed:
		fmt.Printf("%s [%s] failed: %s\n", stamp, evt.StageID, evt.Detail)
	case events.TypeStageSkipped:
		fmt.Printf("%s [%s] skipped: %s\n", stamp, evt.StageID, evt.Detail)
	case events.TypeRoutingFallback:
		fmt.Printf("%s routing fallback: %s\n", stamp, evt.Detail)
	default:
		fmt.Printf("%s %s %s\n", stamp, evt.Type, evt.Detail)
	}
}

// printOutcome summarizes where the run landed and where its artifacts live.
func printOutcome(cfg *config.Config, run engine.RunState) {
	if run.RunID == "" {
		return
	}
	fmt.Printf("Run %s: %s\n", run.RunID, run.Status)
	if run.StatusReason != "" {
		fmt.Println(run.StatusReason)
	}
	var committed, failed, skipped int
	for _, record := range run.Stages {
		switch record.Status {
		case engine.StageStatusCommitted:
			committed++
		case engine.StageStatusFailed:
			failed++
		case engine.StageStatusSkipped:
			skipped++
		}
	}
	fmt.Printf("Stages: %d committed, %d failed, %d skipped of %d\n", committed, failed, skipped, len(run.Stages))
	for _, warning := range run.Warnings {
		fmt.Printf("Warning: %s\n", warning.String())
	}
	if run.Status == engine.RunStatusCompleted {
		fmt.Printf("ADRs: %s\n", filepath.Join(cfg.ADRsDir(), run.RunID+".md"))
	}
	fmt.Printf("Report: %s\n", filepath.Join(cfg.RunsDir(), run.RunID+"-report.json"))
}

// printRuns writes the recorded run listing, newest first.
func printRuns(cfg *config.Config) error {
	history := runhistory.New(engine.NewRepository(cfg))
	summaries, err := history.Summaries()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}
	for _, summary := range summaries {
		status := string(summary.Status)
		if status == "" {
			status = "unreadable"
		}
		line := fmt.Sprintf("%s  %-9s  %s stages", summary.RunID, status, summary.Progress())
		if summary.Warnings > 0 {
			line += fmt.Sprintf("  %d warning(s)", summary.Warnings)
		}
		if summary.Reason != "" {
			line += "  " + summary.Reason
		}
		fmt.Println(line)
	}
	return nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
