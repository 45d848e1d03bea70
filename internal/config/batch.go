package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BatchEntry is one line of a batch download list.
type BatchEntry struct {
	URL        string `yaml:"link"`
	OutputPath string `yaml:"op,omitempty"`
	Format     string `yaml:"format,omitempty"`
	Quality    string `yaml:"quality,omitempty"`
	AudioOnly  bool   `yaml:"audioOnly,omitempty"`
}

// ReadBatchFile parses a YAML download list into batch entries, skipping
// entries without a link.
func ReadBatchFile(path string) ([]BatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading batch file: %v", err)
	}
	var entries []BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing batch file: %v", err)
	}
	valid := entries[:0]
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid entries in batch file %s", path)
	}
	return valid, nil
}

// LoadSettingsFile overlays a YAML settings file onto base.
func LoadSettingsFile(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("error reading settings file: %v", err)
	}
	merged := base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return base, fmt.Errorf("error parsing settings file: %v", err)
	}
	return merged, nil
}
