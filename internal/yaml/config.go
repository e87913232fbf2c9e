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

// ConfigFileName is the configuration file inside the state directory.
const ConfigFileName = "config.yaml"

// ParseConfig decodes content over model.DefaultConfig, so omitted keys keep their
// defaults. Unknown keys are rejected.
func ParseConfig(content []byte) (model.Config, error) {
	cfg := model.DefaultConfig()
	dec := yamlv3.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return model.Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func LoadConfig(path string) (model.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := ParseConfig(content)
	if err != nil {
		return model.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg atomically. The file is replaced only if it parses back.
func SaveConfig(path string, cfg model.Config) error {
	content, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	check := func(b []byte) error {
		_, err := ParseConfig(b)
		return err
	}
	if err := WriteAtomic(path, content, check); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
