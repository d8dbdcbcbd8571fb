package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/dronebatch/internal/daemon"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
)

const ConfigFile = "config.yaml"

var ErrNoRoot = errors.New("no .dronebatch directory found; run: dronebatch init")

// FindRoot searches dir and its ancestors for a .dronebatch directory.
func FindRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, RootDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoRoot
		}
		dir = parent
	}
}

// LoadConfig reads <root>/config.yaml. A missing file yields the defaults.
func LoadConfig(root string) (model.Config, error) {
	cfg := model.Config{Execution: model.DefaultExecConfig()}
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	cfg.Execution = cfg.Execution.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// LoadRules returns <root>/rules.yaml, or the built-in table when the root
// has none.
func LoadRules(root string) (*rules.Table, error) {
	path := filepath.Join(root, daemon.RulesFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return rules.Default(), nil
	}
	return rules.LoadFile(path)
}
