package plugins

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/nvidales/adrsynth/internal/config"
	"github.com/nvidales/adrsynth/internal/stage"
	"github.com/nvidales/adrsynth/internal/stages"
	"github.com/nvidales/adrsynth/internal/workflow"
	"github.com/nvidales/adrsynth/internal/workflow/resolver"
)

func TestRegisterSupplements(t *testing.T) {
	cfg := initPluginConfig(t)
	writePlugin(t, cfg, "cost.yaml", sampleDefinition)
	reg := stage.NewRegistry()
	refs, err := RegisterSupplements(reg, cfg)
	if err != nil {
		t.Fatalf("register supplements: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 supplement, got %d", len(refs))
	}
	if refs[0].StageID != "cost-review" || !refs[0].Optional {
		t.Fatalf("unexpected ref: %+v", refs[0])
	}
	s, err := reg.Resolve("cost-review", nil)
	if err != nil {
		t.Fatalf("resolve plugin stage: %v", err)
	}
	if s.Info().Name != "Cost Review" {
		t.Fatalf("unexpected stage info: %+v", s.Info())
	}
}

func TestRegisterSupplementsEmptyDir(t *testing.T) {
	cfg := initPluginConfig(t)
	refs, err := RegisterSupplements(stage.NewRegistry(), cfg)
	if err != nil {
		t.Fatalf("empty plugins dir should not error: %v", err)
	}
	if refs != nil {
		t.Fatalf("expected no supplements, got %v", refs)
	}
}

func TestRegisterSupplementsRejectsDuplicateID(t *testing.T) {
	cfg := initPluginConfig(t)
	writePlugin(t, cfg, "a.yaml", sampleDefinition)
	writePlugin(t, cfg, "b.yaml", sampleDefinition)
	_, err := RegisterSupplements(stage.NewRegistry(), cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate stage id cost-review") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestSupplementsResolveInStandardPipeline(t *testing.T) {
	cfg := initPluginConfig(t)
	writePlugin(t, cfg, "cost.yaml", sampleDefinition)
	reg := stage.NewRegistry()
	stages.RegisterBuiltins(reg)
	refs, err := RegisterSupplements(reg, cfg)
	if err != nil {
		t.Fatalf("register supplements: %v", err)
	}
	def, err := workflow.StandardDefinition(workflow.Flags{IncludeTerraform: true, IncludeMajor: true}, refs...)
	if err != nil {
		t.Fatalf("standard definition: %v", err)
	}
	res, err := resolver.New(def, reg)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	node, ok := res.Node("cost-review")
	if !ok {
		t.Fatalf("supplement missing from graph")
	}
	if !slices.Contains(node.Dependencies, workflow.StageArchitectureDiff) {
		t.Fatalf("supplement does not depend on the diff stage: %v", node.Dependencies)
	}
	gen, ok := res.Node(workflow.StageGenerateADRs)
	if !ok {
		t.Fatalf("generation stage missing from graph")
	}
	if !slices.Contains(gen.Dependencies, "cost-review") {
		t.Fatalf("generation does not wait for the supplement: %v", gen.Dependencies)
	}
}

func initPluginConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := config.InitWorkDir(dir); err != nil {
		t.Fatalf("init work dir: %v", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	return cfg
}

func writePlugin(t *testing.T, cfg *config.Config, name, payload string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(cfg.PluginsDir(), name), []byte(payload), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
}
