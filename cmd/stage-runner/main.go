// cmd/stage-runner/main.go
//
// Runs a single stage against a persisted run state and prints the delta it
// produces. The checkpoint is left untouched, so a stage can be re-run with
// tweaked config (-set, -config-file) until its output looks right.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/evidence"
	"github.com/nvidales/adrsynth/internal/llm"
	"github.com/nvidales/adrsynth/internal/logbook"
	"github.com/nvidales/adrsynth/internal/runhistory"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/stages"
	"github.com/nvidales/adrsynth/internal/state"
	"github.com/nvidales/adrsynth/internal/workflow"
	"github.com/nvidales/adrsynth/internal/workflow/engine"
	"github.com/nvidales/adrsynth/internal/workflow/router"
	"github.com/nvidales/adrsynth/plugins"
)

func main() {
	stageID := flag.String("stage", "", "stage instance to execute (e.g. source-minor)")
	runRef := flag.String("run-id", "", "recorded run to execute against (ID or unambiguous prefix)")
	projectDir := flag.String("config", "", "project directory holding the .adrsynth workspace (defaults to cwd)")
	configFile := flag.String("config-file", "", "path to YAML/JSON file with stage config overrides")
	sets := keyValueFlag{}
	flag.Var(&sets, "set", "stage config override (key=value, repeatable)")
	flag.Parse()

	if strings.TrimSpace(*stageID) == "" {
		die("-stage is required")
	}
	if strings.TrimSpace(*runRef) == "" {
		die("-run-id is required")
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

	repo := engine.NewRepository(cfg)
	summary, err := runhistory.New(repo).Resolve(*runRef)
	if err != nil {
		die("resolve run: %v", err)
	}
	run, err := repo.Load(summary.RunID)
	if err != nil {
		die("load run %s: %v", summary.RunID, err)
	}
	if run.Document == nil {
		die("run %s carries no document state", run.RunID)
	}
	ref, ok := findStage(run.Definition, *stageID)
	if !ok {
		die("run %s has no stage %q (declared: %s)", run.RunID, *stageID,
			strings.Join(run.Definition.StageIDs(), ", "))
	}

	reg := stage.NewRegistry()
	stages.RegisterBuiltins(reg)
	if _, err := plugins.RegisterSupplements(reg, cfg); err != nil {
		die("load plugins: %v", err)
	}
	stageCfg, err := buildStageConfig(ref, *configFile, sets)
	if err != nil {
		die("load config overrides: %v", err)
	}
	st, err := reg.Resolve(ref.StageID, stageCfg)
	if err != nil {
		die("resolve stage: %v", err)
	}

	lb, err := logbook.New(filepath.Join(cfg.LogsDir(), "stage-runner.log"))
	if err != nil {
		die("open logbook: %v", err)
	}
	completion, err := llm.NewFromConfig(cfg)
	if err != nil {
		die("build completion service: %v", err)
	}
	env := stage.NewContext(cfg, run.RunID, lb).
		WithCompletion(completion).
		WithExtractor(evidence.NewZipExtractor(completion, lb))

	instance := ref.InstanceID()
	body := st.Run
	if routed, ok := st.(stage.Routed); ok {
		decision := router.Decide(instance, routed, run.Document.Snapshot(routed.EvidenceField()))
		fmt.Printf("Route: %s (%s)\n", decision.Route, decision.Reason)
		if decision.Route == router.RouteFallback {
			body = routed.Fallback
		}
	}

	snapshot := run.Document.Snapshot(st.Inputs()...)
	for _, id := range st.Inputs() {
		if !snapshot.Has(id) {
			fmt.Printf("Note: input %s is absent from the run state\n", id)
		}
	}

	started := time.Now()
	delta, err := body(context.Background(), env.WithState(snapshot))
	elapsed := time.Since(started).Round(time.Millisecond)
	if err != nil {
		die("stage %s failed after %s: %v", instance, elapsed, err)
	}
	printDelta(instance, delta, elapsed)
}

func findStage(def workflow.Definition, id string) (workflow.StageRef, bool) {
	for _, ref := range def.Stages {
		if ref.InstanceID() == id {
			return ref, true
		}
	}
	return workflow.StageRef{}, false
}

// printDelta lists the fields a stage produced with a short value preview.
func printDelta(instance string, delta state.Delta, elapsed time.Duration) {
	fmt.Printf("Stage %s produced %d field(s) in %s\n", instance, len(delta.Values), elapsed)
	ids := make([]string, 0, len(delta.Values))
	for id := range delta.Values {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("- %s: %s\n", id, preview(delta.Values[state.FieldID(id)]))
	}
}

// preview renders a value compactly, truncating anything longer than a line.
func preview(value state.Value) string {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("<%T>", value)
		}
		text = string(body)
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 120 {
		return text[:117] + "..."
	}
	return text
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("override key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = parts[1]
	return nil
}

// buildStageConfig layers CLI overrides on top of the config the run's
// definition declared for the stage.
func buildStageConfig(ref workflow.StageRef, configFile string, overrides keyValueFlag) (stage.Config, error) {
	var cfg stage.Config
	if len(ref.Config) > 0 {
		cfg = make(stage.Config, len(ref.Config))
		for key, value := range ref.Config {
			cfg[key] = value
		}
	}
	if path := strings.TrimSpace(configFile); path != "" {
		fileCfg, err := readStageConfigFile(path)
		if err != nil {
			return nil, err
		}
		if len(fileCfg) > 0 && cfg == nil {
			cfg = stage.Config{}
		}
		for key, value := range fileCfg {
			cfg[key] = value
		}
	}
	if len(overrides) > 0 {
		if cfg == nil {
			cfg = stage.Config{}
		}
		for key, value := range overrides {
			cfg[key] = value
		}
	}
	return cfg, nil
}

func readStageConfigFile(path string) (stage.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open config file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, expected a file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("config file %s is empty", path)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	cfg := make(stage.Config, len(raw))
	for key, value := range raw {
		cfg[key] = value
	}
	return cfg, nil
}
