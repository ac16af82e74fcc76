package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML policy seed. Fields missing from the file keep
// their DefaultConfig values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("LoadFile: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("LoadFile: parse %s: %w", path, err)
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("LoadFile: %w", err)
	}
	return cfg, nil
}
