package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelSpec is one catalog entry: where a model is hosted, what it emits,
// how long to wait for it, and what it costs.
type ModelSpec struct {
	Provider   string        `yaml:"provider"`
	Kind       string        `yaml:"kind"` // image, video, audio, music
	Timeout    time.Duration `yaml:"timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Cost       CostSpec      `yaml:"cost"`
}

// CostSpec prices one model. Base is charged per artifact; PerSecond is
// added for duration-priced kinds (video, audio) using the task's
// duration parameter.
type CostSpec struct {
	Base      float64 `yaml:"base"`
	PerSecond float64 `yaml:"per_second"`
}

// UnmarshalYAML accepts durations in time.ParseDuration form ("3m", "10s").
func (s *ModelSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Provider   string   `yaml:"provider"`
		Kind       string   `yaml:"kind"`
		Timeout    string   `yaml:"timeout"`
		RetryDelay string   `yaml:"retry_delay"`
		Cost       CostSpec `yaml:"cost"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Provider = raw.Provider
	s.Kind = raw.Kind
	s.Cost = raw.Cost
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		s.Timeout = d
	}
	if raw.RetryDelay != "" {
		d, err := time.ParseDuration(raw.RetryDelay)
		if err != nil {
			return fmt.Errorf("retry_delay: %w", err)
		}
		s.RetryDelay = d
	}
	return nil
}

// Catalog maps model name → spec. The catalog is read once at startup;
// unknown models are rejected at task creation.
type Catalog struct {
	models map[string]ModelSpec

	defaultTimeout    time.Duration
	defaultRetryDelay time.Duration
}

// LoadCatalog parses a YAML model catalog.
//
//	img-basic:
//	  provider: acme
//	  kind: image
//	  timeout: 5m
//	  cost: {base: 1.0}
func LoadCatalog(path string, defaultTimeout, defaultRetryDelay time.Duration) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data, defaultTimeout, defaultRetryDelay)
}

// ParseCatalog builds a catalog from raw YAML.
func ParseCatalog(data []byte, defaultTimeout, defaultRetryDelay time.Duration) (*Catalog, error) {
	models := make(map[string]ModelSpec)
	if err := yaml.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for name, spec := range models {
		if spec.Provider == "" {
			return nil, fmt.Errorf("catalog model %q: provider is required", name)
		}
		if spec.Kind == "" {
			return nil, fmt.Errorf("catalog model %q: kind is required", name)
		}
	}
	return &Catalog{
		models:            models,
		defaultTimeout:    defaultTimeout,
		defaultRetryDelay: defaultRetryDelay,
	}, nil
}

// Lookup returns the spec for model with defaults applied.
func (c *Catalog) Lookup(model string) (ModelSpec, error) {
	spec, ok := c.models[model]
	if !ok {
		return ModelSpec{}, fmt.Errorf("unknown model %q", model)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = c.defaultTimeout
	}
	if spec.RetryDelay <= 0 {
		spec.RetryDelay = c.defaultRetryDelay
	}
	return spec, nil
}

// Models lists all catalog model names.
func (c *Catalog) Models() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	return names
}
