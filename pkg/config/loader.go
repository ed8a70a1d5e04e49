package config

import (
	"fmt"
	"os"
	"path"
)

// Defaults applied when the configuration leaves a field empty
const (
	DefaultMaxIterations = 10
	DefaultTolerance     = 1e-6
	DefaultBatchRows     = 4096
	DefaultDialAttempts  = 10
	DefaultDialBaseMs    = 100
)

// LoadConfig loads and parses a configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// KernelByName returns the kernel section with the given name
func (c *Config) KernelByName(name string) (*Kernel, bool) {
	for i := range c.Kernels {
		if c.Kernels[i].Name == name {
			return &c.Kernels[i], true
		}
	}
	return nil, false
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	applyStrategyDefaults(&cfg.Strategy)
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Transport.Mode == "" {
		cfg.Transport.Mode = "local"
	}
	if cfg.Transport.DialAttempts == 0 {
		cfg.Transport.DialAttempts = DefaultDialAttempts
	}
	if cfg.Transport.DialBaseMs == 0 {
		cfg.Transport.DialBaseMs = DefaultDialBaseMs
	}
	for i := range cfg.Kernels {
		k := &cfg.Kernels[i]
		if len(k.Stations) == 0 {
			k.Stations = append([]string(nil), cfg.Observation.Stations...)
		}
		if k.Data.Mode == "" {
			k.Data.Mode = "simulate"
		}
		if k.Data.Truth.Driver == "" {
			k.Data.Truth.Driver = "memory"
		}
	}
}

func applyStrategyDefaults(s *Strategy) {
	if s.MaxIterations == 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.Tolerance == 0 {
		s.Tolerance = DefaultTolerance
	}
	if s.CellSize == 0 {
		s.CellSize = 1
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = 1
	}
	if s.BatchRows == 0 {
		s.BatchRows = DefaultBatchRows
	}
}

// validateConfig performs validation on the configuration
func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if err := validateObservation(&cfg.Observation); err != nil {
		return fmt.Errorf("observation validation failed: %w", err)
	}
	if err := validateStrategy(&cfg.Strategy); err != nil {
		return fmt.Errorf("strategy validation failed: %w", err)
	}
	if err := validateKernels(cfg.Kernels, &cfg.Observation); err != nil {
		return fmt.Errorf("kernels validation failed: %w", err)
	}
	if err := validateStore(&cfg.Store); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	if err := validateTransport(&cfg.Transport); err != nil {
		return fmt.Errorf("transport validation failed: %w", err)
	}

	return nil
}

func validateObservation(o *Observation) error {
	if o.Freq.Count <= 0 || o.Freq.Step <= 0 {
		return fmt.Errorf("freq axis needs positive count and step, got count=%d step=%g", o.Freq.Count, o.Freq.Step)
	}
	if o.Time.Count <= 0 || o.Time.Step <= 0 {
		return fmt.Errorf("time axis needs positive count and step, got count=%d step=%g", o.Time.Count, o.Time.Step)
	}
	if len(o.Stations) < 2 {
		return fmt.Errorf("at least two stations must be defined")
	}
	seen := make(map[string]bool)
	for _, st := range o.Stations {
		if st == "" {
			return fmt.Errorf("station name cannot be empty")
		}
		if seen[st] {
			return fmt.Errorf("duplicate station: %s", st)
		}
		seen[st] = true
	}
	if len(o.Sources) == 0 {
		return fmt.Errorf("at least one source must be defined")
	}
	return nil
}

func validateStrategy(s *Strategy) error {
	if len(s.Solvable) == 0 {
		return fmt.Errorf("at least one solvable pattern must be defined")
	}
	for _, p := range append(append([]string(nil), s.Solvable...), s.Excluded...) {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("bad parameter pattern %q: %w", p, err)
		}
	}
	if s.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", s.MaxIterations)
	}
	if s.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %g", s.Tolerance)
	}
	if s.LMFactor < 0 {
		return fmt.Errorf("lm_factor cannot be negative, got %g", s.LMFactor)
	}
	if s.CellSize <= 0 {
		return fmt.Errorf("cell_size must be positive, got %d", s.CellSize)
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", s.ChunkSize)
	}
	if s.BatchRows <= 0 {
		return fmt.Errorf("batch_rows must be positive, got %d", s.BatchRows)
	}
	if s.Parallelism < 0 {
		return fmt.Errorf("parallelism cannot be negative, got %d", s.Parallelism)
	}
	return nil
}

func validateKernels(kernels []Kernel, o *Observation) error {
	if len(kernels) == 0 {
		return fmt.Errorf("at least one kernel must be defined")
	}
	stations := make(map[string]bool)
	for _, st := range o.Stations {
		stations[st] = true
	}
	names := make(map[string]bool)
	for _, k := range kernels {
		if k.Name == "" {
			return fmt.Errorf("kernel name cannot be empty")
		}
		if names[k.Name] {
			return fmt.Errorf("duplicate kernel name: %s", k.Name)
		}
		names[k.Name] = true
		if !(k.FreqStart < k.FreqEnd) {
			return fmt.Errorf("kernel %s: freq_start must be below freq_end", k.Name)
		}
		if len(k.Stations) < 2 {
			return fmt.Errorf("kernel %s: needs at least two stations", k.Name)
		}
		for _, st := range k.Stations {
			if !stations[st] {
				return fmt.Errorf("kernel %s references unknown station: %s", k.Name, st)
			}
		}
		if k.Data.Mode != "simulate" {
			return fmt.Errorf("kernel %s: invalid data mode %s (must be simulate)", k.Name, k.Data.Mode)
		}
		if k.Data.Noise < 0 {
			return fmt.Errorf("kernel %s: noise cannot be negative", k.Name)
		}
		if err := validateStore(&k.Data.Truth); err != nil {
			return fmt.Errorf("kernel %s truth store: %w", k.Name, err)
		}
	}
	return nil
}

func validateStore(s *Store) error {
	switch s.Driver {
	case "memory":
		return nil
	case "yaml", "sqlite":
		if s.Path == "" {
			return fmt.Errorf("driver %s requires a path", s.Driver)
		}
		return nil
	default:
		return fmt.Errorf("invalid store driver: %s (must be memory, yaml, or sqlite)", s.Driver)
	}
}

func validateTransport(t *Transport) error {
	switch t.Mode {
	case "local":
	case "grpc":
		if t.RouterAddr == "" {
			return fmt.Errorf("grpc transport requires router_addr")
		}
	default:
		return fmt.Errorf("invalid transport mode: %s (must be local or grpc)", t.Mode)
	}
	if t.DialAttempts < 0 {
		return fmt.Errorf("dial_attempts cannot be negative, got %d", t.DialAttempts)
	}
	return nil
}
