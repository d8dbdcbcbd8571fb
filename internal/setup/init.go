// Package setup creates and locates dronebatch roots.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/dronebatch/internal/daemon"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
	atomicyaml "github.com/msageha/dronebatch/internal/yaml"
	"github.com/msageha/dronebatch/templates"
)

// RootDir is the directory created inside a project by Run.
const RootDir = ".dronebatch"

// ExampleBatch is the sample request written under examples/.
const ExampleBatch = "examples/flight.yaml"

// Run initializes <projectDir>/.dronebatch and returns its path.
// projectName defaults to the directory basename.
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, RootDir)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		daemon.InboxDir,
		daemon.ResultsDir,
		daemon.DoneDir,
		daemon.QuarantineDir,
		daemon.LogsDir,
		daemon.LocksDir,
		"examples",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, ConfigFile), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigFile, err)
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, daemon.RulesFile), rules.ToFile(rules.Default())); err != nil {
		return "", fmt.Errorf("write %s: %w", daemon.RulesFile, err)
	}

	if err := copyTemplateFile("example_batch.yaml", filepath.Join(base, ExampleBatch)); err != nil {
		return "", err
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Created = time.Now().Format(time.RFC3339)
	return &cfg, nil
}
