package model

// BatchRequestFile is a batch submitted as YAML (CLI input or daemon inbox).
type BatchRequestFile struct {
	SchemaVersion int         `yaml:"schema_version" json:"schema_version"`
	FileType      string      `yaml:"file_type" json:"file_type"`
	BatchID       string      `yaml:"batch_id,omitempty" json:"batch_id,omitempty"`
	Execution     *ExecConfig `yaml:"execution,omitempty" json:"execution,omitempty"`
	Commands      []Command   `yaml:"commands" json:"commands"`
}

// BatchResultFile wraps a BatchResult with the schema header.
type BatchResultFile struct {
	SchemaVersion int         `yaml:"schema_version" json:"schema_version"`
	FileType      string      `yaml:"file_type" json:"file_type"`
	Request       string      `yaml:"request" json:"request"`
	Degraded      bool        `yaml:"degraded" json:"degraded"`
	CreatedAt     string      `yaml:"created_at" json:"created_at"`
	Result        BatchResult `yaml:"result" json:"result"`
}

// Resolve returns the request's execution config layered over base.
func (f BatchRequestFile) Resolve(base ExecConfig) ExecConfig {
	if f.Execution == nil {
		return base.WithDefaults()
	}
	cfg := *f.Execution
	if cfg.Mode == "" {
		cfg.Mode = base.Mode
	}
	if cfg.Strategy == "" {
		cfg.Strategy = base.Strategy
	}
	if cfg.TimeoutSec == 0 {
		cfg.TimeoutSec = base.TimeoutSec
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = base.MaxParallel
	}
	return cfg.WithDefaults()
}
