package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// SamplingRule is one entry of the sampling rules file. Service and Name
// are literal values, or regular expressions when wrapped in slashes.
type SamplingRule struct {
	Service    string  `yaml:"service" toml:"service"`
	Name       string  `yaml:"name" toml:"name"`
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// SamplingRules is the sampling rules file layout.
//
//	rate_limit: 50
//	rules:
//	  - service: checkout
//	    sample_rate: 1
//	  - name: /^health/
//	    sample_rate: 0
type SamplingRules struct {
	// RateLimit overrides TRACE_RATE_LIMIT when set
	RateLimit *float64       `yaml:"rate_limit" toml:"rate_limit"`
	Rules     []SamplingRule `yaml:"rules" toml:"rules"`
}

// LoadSamplingRules reads a YAML or TOML rules file, picked by extension.
func LoadSamplingRules(path string) (*SamplingRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sampling rules: %w", err)
	}
	return ParseSamplingRules(data, filepath.Ext(path))
}

// ParseSamplingRules decodes rules in the format named by ext.
func ParseSamplingRules(data []byte, ext string) (*SamplingRules, error) {
	var rules SamplingRules
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("failed to parse YAML sampling rules: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("failed to parse TOML sampling rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported sampling rules format %q", ErrInvalidConfig, ext)
	}

	for i, r := range rules.Rules {
		if r.SampleRate < 0 || r.SampleRate > 1 {
			return nil, fmt.Errorf("%w: rule %d sample_rate %v must be within [0, 1]", ErrInvalidConfig, i, r.SampleRate)
		}
	}
	return &rules, nil
}
