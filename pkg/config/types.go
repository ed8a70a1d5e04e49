package config

import (
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// Config represents the main calibration run configuration
type Config struct {
	LogLevel    string      `yaml:"log_level"`
	Observation Observation `yaml:"observation"`
	Strategy    Strategy    `yaml:"strategy"`
	Kernels     []Kernel    `yaml:"kernels"`
	Store       Store       `yaml:"store"`
	Transport   Transport   `yaml:"transport"`
	Controller  *Controller `yaml:"controller,omitempty"`
}

// Observation describes the measured data grid and the sky/array layout
type Observation struct {
	Freq           models.Axis `yaml:"freq"`
	Time           models.Axis `yaml:"time"`
	PhaseCenterDec float64     `yaml:"phase_center_dec"` // radians
	HourAngleStart float64     `yaml:"hour_angle_start"` // radians at Time.Start
	Stations       []string    `yaml:"stations"`
	Sources        []string    `yaml:"sources"`
}

// Grid returns the full data grid of the observation
func (o Observation) Grid() models.Grid {
	return models.Grid{Freq: o.Freq, Time: o.Time}
}

// Strategy is the solve strategy broadcast with the Initialize command
type Strategy struct {
	Solvable      []string `yaml:"solvable"`           // glob patterns of parameter names
	Excluded      []string `yaml:"excluded,omitempty"` // glob patterns removed from Solvable
	MaxIterations int      `yaml:"max_iterations"`
	Tolerance     float64  `yaml:"tolerance"`
	LMFactor      float64  `yaml:"lm_factor"`
	CellSize      int      `yaml:"cell_size"`  // time slots per solve cell
	ChunkSize     int      `yaml:"chunk_size"` // solve cells per chunk
	BatchRows     int      `yaml:"batch_rows"` // max equation rows per batch message
	Parallelism   int      `yaml:"parallelism,omitempty"`
}

// Kernel describes the partition a kernel worker owns
type Kernel struct {
	Name      string   `yaml:"name"`
	FreqStart float64  `yaml:"freq_start"`
	FreqEnd   float64  `yaml:"freq_end"`
	Stations  []string `yaml:"stations,omitempty"` // defaults to all observation stations
	Data      Data     `yaml:"data"`
}

// Data selects the data reader of a kernel
type Data struct {
	Mode  string  `yaml:"mode"`            // simulate
	Truth Store   `yaml:"truth,omitempty"` // parameter store holding the true model for simulate mode
	Noise float64 `yaml:"noise,omitempty"` // gaussian sigma added to simulated visibilities
	Seed  int64   `yaml:"seed,omitempty"`
}

// Store selects a parameter store backend
type Store struct {
	Driver string `yaml:"driver"` // memory, yaml, sqlite
	Path   string `yaml:"path,omitempty"`
	Seed   string `yaml:"seed,omitempty"` // YAML parameter document copied in on open
}

// Transport selects how workers exchange messages
type Transport struct {
	Mode         string `yaml:"mode"` // local, grpc
	RouterAddr   string `yaml:"router_addr,omitempty"`
	DialAttempts int    `yaml:"dial_attempts,omitempty"`
	DialBaseMs   int    `yaml:"dial_base_ms,omitempty"`
}

// Controller holds controller-only settings
type Controller struct {
	HTTPAddr string `yaml:"http_addr,omitempty"`
}
