// Package config loads the JSON tracking tuning file. Fields omitted from
// the file keep their defaults, so partial configs are safe; the Get*
// accessors provide the fallback values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/neurodata-tools/tractor/internal/tract"
)

// TrackingConfig is the root tuning configuration for a tracking run. The
// schema mirrors the track-file header keys so the same names appear in
// configs, headers and the run index.
type TrackingConfig struct {
	// Streamline generation
	StepSize       *float64 `json:"step_size,omitempty"` // absolute, in mm
	Threshold      *float64 `json:"threshold,omitempty"`
	InitThreshold  *float64 `json:"init_threshold,omitempty"`
	MaxNumTracks   *uint64  `json:"max_num_tracks,omitempty"`
	MaxNumAttempts *uint64  `json:"max_num_attempts,omitempty"`
	Unidirectional *bool    `json:"unidirectional,omitempty"`
	RK4            *bool    `json:"rk4,omitempty"`

	// iFOD2 arc resolution
	Samples *int `json:"samples,omitempty"`

	// Execution
	Workers *int   `json:"workers,omitempty"`
	RNGSeed *int64 `json:"rng_seed,omitempty"`

	// Writer
	BufferBytes *int `json:"buffer_bytes,omitempty"`
}

// EmptyTrackingConfig returns a TrackingConfig with all fields unset.
func EmptyTrackingConfig() *TrackingConfig {
	return &TrackingConfig{}
}

// LoadTrackingConfig loads a TrackingConfig from a JSON file.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrackingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *TrackingConfig) Validate() error {
	if c.StepSize != nil && *c.StepSize <= 0 {
		return fmt.Errorf("step_size must be positive, got %g", *c.StepSize)
	}
	if c.Threshold != nil && *c.Threshold < 0 {
		return fmt.Errorf("threshold must be non-negative, got %g", *c.Threshold)
	}
	if c.InitThreshold != nil && *c.InitThreshold < 0 {
		return fmt.Errorf("init_threshold must be non-negative, got %g", *c.InitThreshold)
	}
	if c.Samples != nil && *c.Samples < 2 {
		return fmt.Errorf("samples must be at least 2, got %d", *c.Samples)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.BufferBytes != nil && *c.BufferBytes < 0 {
		return fmt.Errorf("buffer_bytes must be non-negative, got %d", *c.BufferBytes)
	}
	return nil
}

// ApplyTo records the configured scalar values into props under their
// header keys, ahead of SharedBase construction. Values already present in
// props win, per the properties fill-or-insert contract.
func (c *TrackingConfig) ApplyTo(props *tract.Properties) {
	putFloat := func(key string, v *float64) {
		if v != nil {
			if _, ok := props.Get(key); !ok {
				props.Put(key, strconv.FormatFloat(*v, 'g', -1, 32))
			}
		}
	}
	putUint := func(key string, v *uint64) {
		if v != nil {
			if _, ok := props.Get(key); !ok {
				props.Put(key, strconv.FormatUint(*v, 10))
			}
		}
	}
	putBool := func(key string, v *bool) {
		if v != nil {
			if _, ok := props.Get(key); !ok {
				props.Put(key, strconv.FormatBool(*v))
			}
		}
	}
	putFloat("step_size", c.StepSize)
	putFloat("threshold", c.Threshold)
	putFloat("init_threshold", c.InitThreshold)
	putUint("max_num_tracks", c.MaxNumTracks)
	putUint("max_num_attempts", c.MaxNumAttempts)
	putBool("unidirectional", c.Unidirectional)
	putBool("rk4", c.RK4)
}

// GetSamples returns the iFOD2 arc sample count or the default.
func (c *TrackingConfig) GetSamples() int {
	if c.Samples == nil {
		return 4
	}
	return *c.Samples
}

// GetWorkers returns the worker pool size; 0 selects runtime.NumCPU.
func (c *TrackingConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetRNGSeed returns the random seed; 0 selects a nondeterministic run.
func (c *TrackingConfig) GetRNGSeed() int64 {
	if c.RNGSeed == nil {
		return 0
	}
	return *c.RNGSeed
}

// GetBufferBytes returns the writer buffer capacity in bytes.
func (c *TrackingConfig) GetBufferBytes() int {
	if c.BufferBytes == nil {
		return 16 * 1024 * 1024
	}
	return *c.BufferBytes
}
