package yaml

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupt file into <rootDir>/quarantine with a timestamp
// suffix and, when reason is non-empty, writes it next to the file as
// <name>.reason.
func Quarantine(rootDir, filePath, reason string) (string, error) {
	quarantineDir := filepath.Join(rootDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	if reason != "" {
		if err := os.WriteFile(quarantinePath+".reason", []byte(reason+"\n"), 0644); err != nil {
			slog.Warn("write quarantine reason failed", "path", quarantinePath, "error", err)
		}
	}

	slog.Warn("quarantined corrupt file", "from", filePath, "to", quarantinePath)
	return quarantinePath, nil
}

// RestoreFromBackup replaces filePath with its .bak copy when the backup is
// valid YAML.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	slog.Info("restored from backup", "backup", bakPath, "path", filePath)
	return nil
}
