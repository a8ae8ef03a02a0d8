// internal/config/config.go
//
// This package handles configuration and the .adrsynth directory structure.
// Every project analyzed by adrsynth gets a .adrsynth/ folder in its root
// holding logs, run checkpoints, generated ADRs, and plugin definitions.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkDirName is the name of the directory created in each project.
	WorkDirName = ".adrsynth"

	defaultTimeout     = "30m"
	defaultMaxFiles    = 10
	defaultMaxFileSize = 5000
	defaultStatusPort  = 4780
	defaultTemperature = 0.2
)

// Provider defaults, applied when llm.model is left empty.
var defaultModels = map[string]string{
	"openai": "gpt-4.1-mini",
	"groq":   "llama-3.3-70b-versatile",
	"gemini": "gemini-1.5-pro",
}

var defaultKeyEnvs = map[string]string{
	"openai": "OPENAI_API_KEY",
	"groq":   "GROQ_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

const defaultProjectConfigYAML = `# adrsynth project configuration
version: 1

project:
  name: ""
  description: ""

# Inputs for the two analyzed evolutions. Source bundles are optional; leave
# them empty to run on Terraform evidence alone.
inputs:
  terraform_minor: cloud_evolution_minor.tf
  terraform_major: cloud_evolution_major.tf
  source_zip_minor: ""
  source_zip_major: ""
  knowledge: knowledge/IAC.txt

analysis:
  include_terraform: true
  include_major: true

llm:
  provider: openai
  model: ""
  temperature: 0.2
  # api_key_env: OPENAI_API_KEY
  # base_url: ""

extraction:
  max_files: 10
  max_file_size: 5000

run:
  timeout: 30m
  max_parallel: 0
  force_refresh: false

status_server:
  enabled: false
  port: 4780
`

// ProjectInfo names and describes the analyzed project.
type ProjectInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// InputsConfig locates the per-variant subjects and optional bundles.
type InputsConfig struct {
	TerraformMinor string `yaml:"terraform_minor"`
	TerraformMajor string `yaml:"terraform_major"`
	SourceZipMinor string `yaml:"source_zip_minor"`
	SourceZipMajor string `yaml:"source_zip_major"`
	Knowledge      string `yaml:"knowledge,omitempty"`
}

// AnalysisConfig carries the graph-pruning feature flags. Pointers keep an
// omitted flag distinguishable from an explicit false.
type AnalysisConfig struct {
	IncludeTerraform *bool `yaml:"include_terraform,omitempty"`
	IncludeMajor     *bool `yaml:"include_major,omitempty"`
}

// LLMConfig selects and tunes the completion provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty"`
}

// ExtractionConfig bounds evidence extraction.
type ExtractionConfig struct {
	MaxFiles    int `yaml:"max_files,omitempty"`
	MaxFileSize int `yaml:"max_file_size,omitempty"`
}

// RunConfig tunes one engine run.
type RunConfig struct {
	Timeout      string `yaml:"timeout,omitempty"`
	MaxParallel  int    `yaml:"max_parallel,omitempty"`
	ForceRefresh bool   `yaml:"force_refresh,omitempty"`
}

// StatusServerConfig controls the optional local status endpoint.
type StatusServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// ProjectConfig models .adrsynth/config.yaml.
type ProjectConfig struct {
	Version      int                `yaml:"version"`
	Project      ProjectInfo        `yaml:"project"`
	Inputs       InputsConfig       `yaml:"inputs"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	LLM          LLMConfig          `yaml:"llm"`
	Extraction   ExtractionConfig   `yaml:"extraction"`
	Run          RunConfig          `yaml:"run"`
	StatusServer StatusServerConfig `yaml:"status_server"`
}

// Config holds the runtime configuration for adrsynth.
type Config struct {
	// ProjectDir is the directory where the user ran `adrsynth` from.
	ProjectDir string

	// WorkDir is ProjectDir/.adrsynth.
	WorkDir string

	Project ProjectConfig
}

// InitWorkDir creates the .adrsynth directory structure in the given project
// directory and seeds a default config file on first run.
//
// Structure created:
// .adrsynth/
// ├── logs/     <- run log files
// ├── runs/     <- persisted run state (checkpoints)
// ├── adrs/     <- generated decision records
// └── plugins/  <- supplementary stage definitions
func InitWorkDir(projectDir string) error {
	workDir := filepath.Join(projectDir, WorkDirName)
	dirs := []string{
		filepath.Join(workDir, "logs"),
		filepath.Join(workDir, "runs"),
		filepath.Join(workDir, "adrs"),
		filepath.Join(workDir, "plugins"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(workDir, "config.yaml"))
}

// NewConfig creates a Config populated from the project directory, loading
// .adrsynth/config.yaml when present.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		WorkDir:    filepath.Join(projectDir, WorkDirName),
		Project:    defaultProjectConfig(projectDir),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.WorkDir, "logs")
}

// RunsDir returns the directory holding persisted run state.
func (c *Config) RunsDir() string {
	return filepath.Join(c.WorkDir, "runs")
}

// ADRsDir returns the directory receiving generated decision records.
func (c *Config) ADRsDir() string {
	return filepath.Join(c.WorkDir, "adrs")
}

// PluginsDir returns the directory scanned for supplementary stage definitions.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.WorkDir, "plugins")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.WorkDir, "config.yaml")
}

// TerraformMinorPath returns the resolved minor-variant Terraform path.
func (c *Config) TerraformMinorPath() string {
	return c.Project.Inputs.TerraformMinor
}

// TerraformMajorPath returns the resolved major-variant Terraform path.
func (c *Config) TerraformMajorPath() string {
	return c.Project.Inputs.TerraformMajor
}

// SourceZipMinor returns the minor source bundle path, empty when absent.
func (c *Config) SourceZipMinor() string {
	return c.Project.Inputs.SourceZipMinor
}

// SourceZipMajor returns the major source bundle path, empty when absent.
func (c *Config) SourceZipMajor() string {
	return c.Project.Inputs.SourceZipMajor
}

// KnowledgePath returns the resolved knowledge document path, empty when unset.
func (c *Config) KnowledgePath() string {
	return c.Project.Inputs.Knowledge
}

// IncludeTerraform reports whether the Terraform analysis stages are active.
func (c *Config) IncludeTerraform() bool {
	if c.Project.Analysis.IncludeTerraform == nil {
		return true
	}
	return *c.Project.Analysis.IncludeTerraform
}

// IncludeMajor reports whether the major-variant branch is active.
func (c *Config) IncludeMajor() bool {
	if c.Project.Analysis.IncludeMajor == nil {
		return true
	}
	return *c.Project.Analysis.IncludeMajor
}

// RunTimeout returns the run-level deadline.
func (c *Config) RunTimeout() time.Duration {
	d, err := time.ParseDuration(c.Project.Run.Timeout)
	if err != nil || d <= 0 {
		fallback, _ := time.ParseDuration(defaultTimeout)
		return fallback
	}
	return d
}

// MaxParallel returns the dispatch bound; zero means ready-set width.
func (c *Config) MaxParallel() int {
	if c.Project.Run.MaxParallel < 0 {
		return 0
	}
	return c.Project.Run.MaxParallel
}

// ForceRefresh reports whether resumes should discard prior progress.
func (c *Config) ForceRefresh() bool {
	return c.Project.Run.ForceRefresh
}

// APIKey reads the configured provider key from the environment.
func (c *Config) APIKey() string {
	return os.Getenv(c.Project.LLM.APIKeyEnv)
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults(c.ProjectDir)
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig(projectDir string) ProjectConfig {
	cfg := ProjectConfig{Version: 1}
	cfg.applyDefaults(projectDir)
	cfg.normalize(projectDir)
	return cfg
}

func (pc *ProjectConfig) applyDefaults(projectDir string) {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Project.Name) == "" {
		pc.Project.Name = filepath.Base(projectDir)
	}
	if strings.TrimSpace(pc.Inputs.TerraformMinor) == "" {
		pc.Inputs.TerraformMinor = "cloud_evolution_minor.tf"
	}
	if strings.TrimSpace(pc.Inputs.TerraformMajor) == "" {
		pc.Inputs.TerraformMajor = "cloud_evolution_major.tf"
	}
	if strings.TrimSpace(pc.LLM.Provider) == "" {
		pc.LLM.Provider = "openai"
	}
	if pc.LLM.Temperature == 0 {
		pc.LLM.Temperature = defaultTemperature
	}
	if pc.Extraction.MaxFiles == 0 {
		pc.Extraction.MaxFiles = defaultMaxFiles
	}
	if pc.Extraction.MaxFileSize == 0 {
		pc.Extraction.MaxFileSize = defaultMaxFileSize
	}
	if strings.TrimSpace(pc.Run.Timeout) == "" {
		pc.Run.Timeout = defaultTimeout
	}
	if pc.StatusServer.Port == 0 {
		pc.StatusServer.Port = defaultStatusPort
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Project.Name = strings.TrimSpace(pc.Project.Name)
	pc.Project.Description = strings.TrimSpace(pc.Project.Description)
	pc.LLM.Provider = strings.ToLower(strings.TrimSpace(pc.LLM.Provider))
	pc.LLM.Model = strings.TrimSpace(pc.LLM.Model)
	pc.LLM.BaseURL = strings.TrimSpace(pc.LLM.BaseURL)
	pc.LLM.APIKeyEnv = strings.TrimSpace(pc.LLM.APIKeyEnv)
	if pc.LLM.APIKeyEnv == "" {
		pc.LLM.APIKeyEnv = defaultKeyEnvs[pc.LLM.Provider]
	}
	if pc.LLM.Model == "" {
		pc.LLM.Model = defaultModels[pc.LLM.Provider]
	}
	pc.Inputs.TerraformMinor = resolvePath(base, pc.Inputs.TerraformMinor)
	pc.Inputs.TerraformMajor = resolvePath(base, pc.Inputs.TerraformMajor)
	pc.Inputs.SourceZipMinor = resolvePath(base, pc.Inputs.SourceZipMinor)
	pc.Inputs.SourceZipMajor = resolvePath(base, pc.Inputs.SourceZipMajor)
	pc.Inputs.Knowledge = resolvePath(base, pc.Inputs.Knowledge)
	pc.Run.Timeout = strings.TrimSpace(pc.Run.Timeout)
	if pc.Run.MaxParallel < 0 {
		pc.Run.MaxParallel = 0
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.LLM.Provider {
	case "openai", "groq", "gemini":
	default:
		return fmt.Errorf("llm.provider must be one of openai, groq, gemini")
	}
	if pc.LLM.Temperature < 0 || pc.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if pc.Extraction.MaxFiles < 1 {
		return fmt.Errorf("extraction.max_files must be >= 1")
	}
	if pc.Extraction.MaxFileSize < 1 {
		return fmt.Errorf("extraction.max_file_size must be >= 1")
	}
	if _, err := time.ParseDuration(pc.Run.Timeout); err != nil {
		return fmt.Errorf("run.timeout is not a valid duration: %w", err)
	}
	if pc.StatusServer.Enabled && (pc.StatusServer.Port < 1 || pc.StatusServer.Port > 65535) {
		return fmt.Errorf("status_server.port must be a valid port")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

// SaveProjectConfig persists the current project configuration back to
// .adrsynth/config.yaml.
func (c *Config) SaveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults(c.ProjectDir)
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure work dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
