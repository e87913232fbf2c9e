package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/store"
	"github.com/msageha/maestro-failover/internal/store/memory"
	"github.com/msageha/maestro-failover/internal/store/sqlite"
	atomicyaml "github.com/msageha/maestro-failover/internal/yaml"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// openBackend builds the task/agent backend named by sc. A relative sqlite path is
// resolved against stateDir.
func openBackend(stateDir string, sc model.StorageConfig) (store.Backend, error) {
	switch sc.Backend {
	case "", BackendMemory:
		return memory.New(), nil
	case BackendSQLite:
		path := sc.Path
		if path == "" {
			path = model.DefaultConfig().Storage.Path
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(stateDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		s, err := sqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want %s or %s)", sc.Backend, BackendMemory, BackendSQLite)
	}
}

// applySeed upserts agents before tasks so assignments reference known workers.
func applySeed(ctx context.Context, b store.Backend, seed atomicyaml.Seed) error {
	for _, a := range seed.Agents {
		if err := b.PutAgent(ctx, a); err != nil {
			return fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}
	for _, t := range seed.Tasks {
		if err := b.PutTask(ctx, t); err != nil {
			return fmt.Errorf("seed task %s: %w", t.ID, err)
		}
	}
	return nil
}
