package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseConfigYAML parses a Config from YAML bytes, applies defaults and validates it.
func ParseConfigYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}

// ParseStrategyYAML decodes the strategy description carried by an
// Initialize command.
func ParseStrategyYAML(data []byte) (*Strategy, error) {
	var s Strategy
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse strategy yaml: %w", err)
	}
	applyStrategyDefaults(&s)
	if err := validateStrategy(&s); err != nil {
		return nil, fmt.Errorf("invalid strategy: %w", err)
	}
	return &s, nil
}

// MarshalStrategyYAML encodes a strategy as the textual description sent to workers.
func MarshalStrategyYAML(s *Strategy) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal strategy: %w", err)
	}
	return data, nil
}
