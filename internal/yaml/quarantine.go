package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/maestro-failover/internal/model"
)

// QuarantineDir holds corrupt files moved aside on recovery, relative to the state dir.
const QuarantineDir = "quarantine"

// Quarantine moves filePath into stateDir/quarantine and returns its new location.
func Quarantine(stateDir, filePath string) (string, error) {
	dir := filepath.Join(stateDir, QuarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreConfigFromBackup replaces filePath with its BackupSuffix copy when the backup
// parses as a config.
func RestoreConfigFromBackup(filePath string) (model.Config, error) {
	bakPath := filePath + BackupSuffix
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return model.Config{}, fmt.Errorf("read backup: %w", err)
	}
	cfg, err := ParseConfig(content)
	if err != nil {
		return model.Config{}, fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return model.Config{}, fmt.Errorf("restore from backup: %w", err)
	}
	return cfg, nil
}

// Recovery describes how LoadConfigWithRecovery obtained its result.
type Recovery struct {
	QuarantinedTo string
	FromBackup    bool
	FromDefaults  bool
	Cause         error
}

// LoadConfigWithRecovery loads path. A file that fails to parse is quarantined and
// replaced by its .bak copy, or by the default config when no usable backup exists.
// A missing file is an error; setup creates it.
func LoadConfigWithRecovery(stateDir, path string) (model.Config, *Recovery, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, parseErr := ParseConfig(content)
	if parseErr == nil {
		return cfg, nil, nil
	}

	rec := &Recovery{Cause: parseErr}
	if rec.QuarantinedTo, err = Quarantine(stateDir, path); err != nil {
		return model.Config{}, nil, fmt.Errorf("quarantine %s: %w", path, err)
	}

	if cfg, err := RestoreConfigFromBackup(path); err == nil {
		rec.FromBackup = true
		return cfg, rec, nil
	}

	cfg = model.DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		return model.Config{}, nil, err
	}
	rec.FromDefaults = true
	return cfg, rec, nil
}
