package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/maestro-failover/internal/model"
)

// SeedFileName lists agents and tasks the daemon loads into its store on start.
const SeedFileName = "seed.yaml"

type Seed struct {
	Agents []model.Agent `yaml:"agents"`
	Tasks  []model.Task  `yaml:"tasks"`
}

// LoadSeed reads path. A missing file yields an empty seed.
func LoadSeed(path string) (Seed, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Seed{}, nil
	}
	if err != nil {
		return Seed{}, fmt.Errorf("read %s: %w", path, err)
	}

	var seed Seed
	dec := yamlv3.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, a := range seed.Agents {
		if a.ID == "" {
			return Seed{}, fmt.Errorf("%s: agents[%d]: id is required", path, i)
		}
	}
	for i, t := range seed.Tasks {
		if t.ID == "" {
			return Seed{}, fmt.Errorf("%s: tasks[%d]: id is required", path, i)
		}
	}
	return seed, nil
}
