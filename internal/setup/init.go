// Package setup creates the .maestro-failover state directory for a project.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/maestro-failover/internal/model"
	atomicyaml "github.com/msageha/maestro-failover/internal/yaml"
	"github.com/msageha/maestro-failover/templates"
)

// StateDirName is the state directory created under the project root.
const StateDirName = ".maestro-failover"

// Run initializes the state directory in projectDir. projectName defaults to the
// directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, StateDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"state", "locks", "logs", atomicyaml.QuarantineDir} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.SaveConfig(filepath.Join(base, atomicyaml.ConfigFileName), cfg); err != nil {
		return err
	}

	if err := copyTemplateFile(atomicyaml.SeedFileName, filepath.Join(base, atomicyaml.SeedFileName)); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

// FindStateDir walks up from dir looking for the state directory.
func FindStateDir(dir string) (string, bool) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
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

func generateConfig(projectDir, projectName string) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, atomicyaml.ConfigFileName)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}
	cfg, err := atomicyaml.ParseConfig(data)
	if err != nil {
		return model.Config{}, fmt.Errorf("config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Created = time.Now().Format(time.RFC3339)
	return cfg, nil
}
