// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesBuiltInDefaultsWhenNothingSet(t *testing.T) {
	cfg := Load(&FileConfig{})

	if cfg.ProcessingFolder != "./processing" {
		t.Errorf("ProcessingFolder = %q, want default", cfg.ProcessingFolder)
	}
	if cfg.RecordingSegmentMinutes != 60 {
		t.Errorf("RecordingSegmentMinutes = %d, want 60", cfg.RecordingSegmentMinutes)
	}
	if !cfg.ScheduledUploadEnabled {
		t.Error("ScheduledUploadEnabled should default true")
	}
	if cfg.StreamStatusCheckInterval != 10*time.Minute {
		t.Errorf("StreamStatusCheckInterval = %v, want 10m", cfg.StreamStatusCheckInterval)
	}
}

func TestLoadFileValuesOverrideDefaults(t *testing.T) {
	fc := &FileConfig{}
	segMin := 30
	fc.Recording.SegmentMinutes = &segMin
	enabled := false
	fc.Scheduling.ScheduledUploadEnabled = &enabled

	cfg := Load(fc)

	if cfg.RecordingSegmentMinutes != 30 {
		t.Errorf("RecordingSegmentMinutes = %d, want 30 from file", cfg.RecordingSegmentMinutes)
	}
	if cfg.ScheduledUploadEnabled {
		t.Error("ScheduledUploadEnabled should be false per file override")
	}
}

func TestLoadEnvOverridesFileValue(t *testing.T) {
	t.Setenv("RECORDING_SEGMENT_MINUTES", "15")

	fc := &FileConfig{}
	fileMin := 30
	fc.Recording.SegmentMinutes = &fileMin

	cfg := Load(fc)

	if cfg.RecordingSegmentMinutes != 15 {
		t.Errorf("RecordingSegmentMinutes = %d, want 15 from env (env beats file)", cfg.RecordingSegmentMinutes)
	}
}

func TestLoadFileParsesStreamersList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "streamers:\n  - name: alice\n    room_id: \"1234\"\n  - name: bob\n    room_id: \"5678\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Load(fc)

	if len(cfg.Streamers) != 2 {
		t.Fatalf("Streamers = %d, want 2", len(cfg.Streamers))
	}
	if cfg.Streamers[0].Name != "alice" || cfg.Streamers[0].RoomID != "1234" {
		t.Errorf("Streamers[0] = %+v, want alice/1234", cfg.Streamers[0])
	}
}

func TestLoadFileToleratesMissingFile(t *testing.T) {
	fc, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadFile should tolerate a missing config file, got: %v", err)
	}
	if len(fc.Streamers) != 0 {
		t.Errorf("expected empty FileConfig for a missing file, got %+v", fc)
	}
}

func TestLoadFileRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("streamers: [this is not valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Error("expected an error parsing malformed YAML")
	}
}
