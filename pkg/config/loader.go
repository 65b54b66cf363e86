package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the root configuration filename at the repo root.
const DefaultConfigFile = "autoschematic.yaml"

var validate = validator.New()

// Load reads and validates the root configuration file.
func Load(path string) (*RootConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(buf)
}

// Parse parses and validates root configuration bytes.
func Parse(buf []byte) (*RootConfig, error) {
	var cfg RootConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Validator dive tags do not catch duplicate names within a prefix.
	for prefix, pc := range cfg.Prefixes {
		seen := make(map[string]bool)
		for _, c := range pc.Connectors {
			if seen[c.Name] {
				return nil, fmt.Errorf("invalid config: prefix %q has duplicate connector %q", prefix, c.Name)
			}
			seen[c.Name] = true
		}
		seenTasks := make(map[string]bool)
		for _, t := range pc.Tasks {
			if seenTasks[t.Name] {
				return nil, fmt.Errorf("invalid config: prefix %q has duplicate task %q", prefix, t.Name)
			}
			seenTasks[t.Name] = true
		}
	}

	return &cfg, nil
}
