// Package yaml reads and writes the daemon configuration file: atomic replacement with a
// .bak copy, strict decoding over defaults, and quarantine of corrupt files.
package yaml

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// BackupSuffix names the copy of the previous content kept next to a rewritten file.
const BackupSuffix = ".bak"

// WriteAtomic replaces path with content through a temp file in the same directory.
// check, when non-nil, runs on the bytes read back from the temp file; a failing check
// leaves path untouched. The replaced content is kept at path+BackupSuffix.
func WriteAtomic(path string, content []byte, check func([]byte) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".failover-tmp-*")
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

	if check != nil {
		written, err := os.ReadFile(tmpName)
		if err != nil {
			return fmt.Errorf("read back temp file: %w", err)
		}
		if err := check(written); err != nil {
			return fmt.Errorf("refusing to replace %s: %w", filepath.Base(path), err)
		}
	}

	if err := backup(path); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	committed = true

	// The rename is durable only once the directory entry is.
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

func backup(path string) error {
	old, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read current %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path+BackupSuffix, old, 0644); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
