package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("../../config/calibration.yaml")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected log_level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.Observation.Freq.Count != 4 {
		t.Errorf("Expected 4 channels, got %d", cfg.Observation.Freq.Count)
	}
	if cfg.Observation.Time.Count != 10 {
		t.Errorf("Expected 10 time slots, got %d", cfg.Observation.Time.Count)
	}
	if len(cfg.Observation.Stations) != 4 {
		t.Errorf("Expected 4 stations, got %d", len(cfg.Observation.Stations))
	}

	if len(cfg.Kernels) != 2 {
		t.Fatalf("Expected 2 kernels, got %d", len(cfg.Kernels))
	}
	low, ok := cfg.KernelByName("kernel-low")
	if !ok {
		t.Fatal("kernel-low should exist")
	}
	if len(low.Stations) != 4 {
		t.Errorf("Expected kernel stations to default to all 4 stations, got %d", len(low.Stations))
	}
	if low.Data.Seed != 7 {
		t.Errorf("Expected seed 7, got %d", low.Data.Seed)
	}

	if cfg.Strategy.ChunkSize != 4 {
		t.Errorf("Expected chunk_size 4, got %d", cfg.Strategy.ChunkSize)
	}
	if cfg.Strategy.MaxIterations != 8 {
		t.Errorf("Expected max_iterations 8, got %d", cfg.Strategy.MaxIterations)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Expected sqlite store, got %s", cfg.Store.Driver)
	}
	if cfg.Transport.Mode != "grpc" || cfg.Transport.RouterAddr != "127.0.0.1:7410" {
		t.Errorf("Unexpected transport %+v", cfg.Transport)
	}
	if cfg.Controller == nil || cfg.Controller.HTTPAddr != ":8090" {
		t.Errorf("Expected controller http_addr :8090")
	}
}

func validConfig() *Config {
	return &Config{
		LogLevel: "info",
		Observation: Observation{
			Freq:     models.Axis{Start: 100, Step: 1, Count: 2},
			Time:     models.Axis{Start: 0, Step: 1, Count: 4},
			Stations: []string{"A", "B"},
			Sources:  []string{"S"},
		},
		Strategy: Strategy{
			Solvable:      []string{"Gain:*"},
			MaxIterations: 5,
			Tolerance:     1e-6,
			CellSize:      1,
			ChunkSize:     2,
			BatchRows:     100,
		},
		Kernels: []Kernel{
			{Name: "k0", FreqStart: 100, FreqEnd: 102, Stations: []string{"A", "B"}, Data: Data{Mode: "simulate", Truth: Store{Driver: "memory"}}},
		},
		Store:     Store{Driver: "memory"},
		Transport: Transport{Mode: "local"},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{name: "Valid config", mutate: func(c *Config) {}},
		{name: "Invalid log level", mutate: func(c *Config) { c.LogLevel = "invalid" }, expectError: true},
		{name: "Single station", mutate: func(c *Config) { c.Observation.Stations = []string{"A"} }, expectError: true},
		{name: "Duplicate station", mutate: func(c *Config) { c.Observation.Stations = []string{"A", "A"} }, expectError: true},
		{name: "No sources", mutate: func(c *Config) { c.Observation.Sources = nil }, expectError: true},
		{name: "Zero time count", mutate: func(c *Config) { c.Observation.Time.Count = 0 }, expectError: true},
		{name: "No solvable", mutate: func(c *Config) { c.Strategy.Solvable = nil }, expectError: true},
		{name: "Malformed pattern", mutate: func(c *Config) { c.Strategy.Solvable = []string{"Gain:["} }, expectError: true},
		{name: "Negative lm factor", mutate: func(c *Config) { c.Strategy.LMFactor = -1 }, expectError: true},
		{name: "No kernels", mutate: func(c *Config) { c.Kernels = nil }, expectError: true},
		{
			name: "Duplicate kernel name",
			mutate: func(c *Config) {
				c.Kernels = append(c.Kernels, c.Kernels[0])
			},
			expectError: true,
		},
		{name: "Inverted kernel band", mutate: func(c *Config) { c.Kernels[0].FreqEnd = 99 }, expectError: true},
		{name: "Unknown kernel station", mutate: func(c *Config) { c.Kernels[0].Stations = []string{"A", "Z"} }, expectError: true},
		{name: "Yaml store without path", mutate: func(c *Config) { c.Store = Store{Driver: "yaml"} }, expectError: true},
		{name: "Unknown store driver", mutate: func(c *Config) { c.Store = Store{Driver: "redis"} }, expectError: true},
		{name: "Grpc without router", mutate: func(c *Config) { c.Transport.Mode = "grpc" }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	tmpDir := t.TempDir()
	malformedFile := filepath.Join(tmpDir, "malformed.yaml")

	content := `
log_level: info
observation:
  stations: [unclosed
`
	if err := os.WriteFile(malformedFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	_, err := LoadConfig(malformedFile)
	if err == nil {
		t.Error("Expected error when loading malformed YAML")
	}
}
