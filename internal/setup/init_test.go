package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

func newProject(t *testing.T) string {
	t.Helper()
	projectDir := filepath.Join(t.TempDir(), "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}
	return projectDir
}

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	projectDir := newProject(t)

	base, err := Run(projectDir, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if base != filepath.Join(projectDir, RootDir) {
		t.Errorf("base: got %s", base)
	}

	for _, d := range []string{"inbox", "results", "done", "quarantine", "logs", "locks", "examples"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_AutoFillsConfig(t *testing.T) {
	projectDir := newProject(t)

	base, err := Run(projectDir, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(base, ConfigFile))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}

	if cfg.Project.Name != "myproject" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "myproject")
	}
	if cfg.Project.Created == "" {
		t.Error("project.created should be set")
	}
	if cfg.Execution.Mode != model.ModeOptimized {
		t.Errorf("execution.mode: got %q", cfg.Execution.Mode)
	}
	if cfg.Execution.Strategy != model.RetryAndContinue {
		t.Errorf("execution.error_recovery: got %q", cfg.Execution.Strategy)
	}
	if !cfg.Dispatch.Simulate {
		t.Error("dispatch.simulate should default to true")
	}
}

func TestRun_CustomProjectName(t *testing.T) {
	projectDir := newProject(t)

	base, err := Run(projectDir, "survey")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := LoadConfig(base)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "survey" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "survey")
	}
}

func TestRun_WritesRulesAndExample(t *testing.T) {
	projectDir := newProject(t)

	base, err := Run(projectDir, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	table, err := LoadRules(base)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if table.Version() != rules.DefaultVersion {
		t.Errorf("rules version: got %q", table.Version())
	}
	if got, want := len(table.Rules()), len(rules.Default().Rules()); got != want {
		t.Errorf("rules: got %d, want %d", got, want)
	}

	var req model.BatchRequestFile
	if err := yamlutil.LoadFile(filepath.Join(base, ExampleBatch), yamlutil.FileTypeBatchRequest, &req); err != nil {
		t.Fatalf("load example: %v", err)
	}
	if len(req.Commands) == 0 {
		t.Fatal("example batch has no commands")
	}
	if err := table.ValidateCommands(req.Commands); err != nil {
		t.Errorf("example batch invalid: %v", err)
	}
}

func TestRun_AlreadyExists(t *testing.T) {
	projectDir := newProject(t)

	if _, err := Run(projectDir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := Run(projectDir, ""); err == nil {
		t.Fatal("expected error on second Run")
	}
}
