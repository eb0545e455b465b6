// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/dy2bili/relaycast/internal/log"
	"gopkg.in/yaml.v3"
)

// DestinationTemplate is the separate upload-metadata YAML file consulted
// by the upload orchestrator (C11): title template, category, tags, and
// optional CDN line for the destination platform submission. It is
// distinct from the daemon's own FileConfig and is re-read only at
// scheduler tick boundaries (spec.md §9's "global mutable YAML config"
// redesign note), never cached process-wide.
//
// Grounded on original_source/video_processor.py's load_yaml_config.
type DestinationTemplate struct {
	Title   string `yaml:"title"`
	TID     int    `yaml:"tid"`
	Tag     string `yaml:"tag"`
	Source  string `yaml:"source"`
	Cover   string `yaml:"cover"`
	Dynamic string `yaml:"dynamic"`
	Desc    string `yaml:"desc"`
	CDN     string `yaml:"cdn"`
}

// LoadDestinationTemplate parses and validates the destination metadata
// file. Required-key validation mirrors load_yaml_config's required_keys
// check: title/tid/tag/source/cover/dynamic/desc must all be present.
func LoadDestinationTemplate(path string) (*DestinationTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("destination template: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("destination template: parse %s: %w", path, err)
	}

	required := []string{"title", "tid", "tag", "source", "cover", "dynamic", "desc"}
	var missing []string
	for _, k := range required {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("destination template %s missing required keys: %s", path, strings.Join(missing, ", "))
	}

	var dt DestinationTemplate
	if err := yaml.Unmarshal(data, &dt); err != nil {
		return nil, fmt.Errorf("destination template: decode %s: %w", path, err)
	}

	if !strings.Contains(dt.Title, "{time}") {
		log.WithComponent("config").Warn().
			Str("title", dt.Title).
			Msg("destination template title has no {time} placeholder; a fixed title will be used")
	}

	return &dt, nil
}
