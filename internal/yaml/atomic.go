// Package yaml provides schema-checked YAML loading, atomic writes and
// quarantine of corrupt spool files.
package yaml

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const tempPattern = ".dronebatch-tmp-*.yaml"

// AtomicWrite encodes data with two-space indentation and writes it with
// AtomicWriteRaw.
func AtomicWrite(path string, data any) error {
	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteRaw(path, buf.Bytes())
}

// AtomicWriteRaw replaces path with content. Content that does not parse as
// YAML is refused before anything touches disk. An existing file is copied to
// path.bak first; readers see either the old or the new file, never a mix.
// Temp files are dot-prefixed so spool scanners skip them.
func AtomicWriteRaw(path string, content []byte) error {
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("refusing to write invalid yaml to %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("back up %s: %w", filepath.Base(path), err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	syncDir(dir)
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// syncDir flushes the rename. Some filesystems refuse fsync on directories;
// that is not an error for the caller.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
