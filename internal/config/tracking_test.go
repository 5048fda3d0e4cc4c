package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neurodata-tools/tractor/internal/tract"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadTrackingConfigPartial(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{
  "step_size": 0.3,
  "max_num_tracks": 2000,
  "workers": 8
}`)

	cfg, err := LoadTrackingConfig(path)
	if err != nil {
		t.Fatalf("LoadTrackingConfig: %v", err)
	}
	if cfg.StepSize == nil || *cfg.StepSize != 0.3 {
		t.Errorf("StepSize = %v, want 0.3", cfg.StepSize)
	}
	if cfg.MaxNumTracks == nil || *cfg.MaxNumTracks != 2000 {
		t.Errorf("MaxNumTracks = %v, want 2000", cfg.MaxNumTracks)
	}
	if cfg.Threshold != nil {
		t.Errorf("Threshold = %v, want unset", cfg.Threshold)
	}

	// Unset fields fall back through the accessors.
	if cfg.GetWorkers() != 8 {
		t.Errorf("GetWorkers = %d, want 8", cfg.GetWorkers())
	}
	if cfg.GetSamples() != 4 {
		t.Errorf("GetSamples = %d, want default 4", cfg.GetSamples())
	}
	if cfg.GetRNGSeed() != 0 {
		t.Errorf("GetRNGSeed = %d, want default 0", cfg.GetRNGSeed())
	}
	if cfg.GetBufferBytes() != 16*1024*1024 {
		t.Errorf("GetBufferBytes = %d, want 16MiB default", cfg.GetBufferBytes())
	}
}

func TestLoadTrackingConfigRejectsBadInput(t *testing.T) {
	if _, err := LoadTrackingConfig(writeConfig(t, "tuning.yaml", `{}`)); err == nil {
		t.Error("expected error for non-JSON extension")
	}
	if _, err := LoadTrackingConfig(writeConfig(t, "bad.json", `{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := LoadTrackingConfig(writeConfig(t, "neg.json", `{"step_size": -1}`)); err == nil {
		t.Error("expected error for negative step size")
	}
	if _, err := LoadTrackingConfig(writeConfig(t, "samples.json", `{"samples": 1}`)); err == nil {
		t.Error("expected error for samples below 2")
	}
	if _, err := LoadTrackingConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyToRespectsExistingValues(t *testing.T) {
	step := 0.3
	tracks := uint64(2000)
	uni := true
	cfg := &TrackingConfig{
		StepSize:       &step,
		MaxNumTracks:   &tracks,
		Unidirectional: &uni,
	}

	props := tract.NewProperties()
	props.Put("step_size", "0.9") // explicit value set before the config

	cfg.ApplyTo(props)

	if v, _ := props.Get("step_size"); v != "0.9" {
		t.Errorf("step_size = %q; an existing value must win over the config", v)
	}
	if v, _ := props.Get("max_num_tracks"); v != "2000" {
		t.Errorf("max_num_tracks = %q, want filled from config", v)
	}
	if v, _ := props.Get("unidirectional"); v != "true" {
		t.Errorf("unidirectional = %q, want filled from config", v)
	}
	if _, ok := props.Get("threshold"); ok {
		t.Error("unset config field was recorded in properties")
	}
}

func TestValidateWorkersAndBuffer(t *testing.T) {
	neg := -1
	if err := (&TrackingConfig{Workers: &neg}).Validate(); err == nil {
		t.Error("expected error for negative workers")
	}
	if err := (&TrackingConfig{BufferBytes: &neg}).Validate(); err == nil {
		t.Error("expected error for negative buffer size")
	}
	if err := (&TrackingConfig{}).Validate(); err != nil {
		t.Errorf("empty config failed validation: %v", err)
	}
}
