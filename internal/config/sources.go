package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimitConfig caps external calls for one source. Calls <= 0 disables
// the limit.
type RateLimitConfig struct {
	Calls  int      `yaml:"calls"`
	Period Duration `yaml:"period"`
}

// RetryConfig describes the backoff policy for retryable failures.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	JitterFraction float64  `yaml:"jitter_fraction"`
}

// PipelineDefaults apply to every source unless overridden per source.
type PipelineDefaults struct {
	BatchSize            int         `yaml:"batch_size"`
	DriftThreshold       float64     `yaml:"drift_similarity_threshold"`
	FailureRateThreshold float64     `yaml:"failure_rate_threshold"`
	Retry                RetryConfig `yaml:"retry"`
}

// SourceConfig configures one ingestion source. Type selects the connector
// implementation; the remaining fields are connector-specific.
type SourceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // csv, api, rss

	// csv connector
	Path            string `yaml:"path,omitempty"`
	IDColumn        string `yaml:"id_column,omitempty"`
	TimestampColumn string `yaml:"timestamp_column,omitempty"`

	// api / rss connectors
	URL            string   `yaml:"url,omitempty"`
	APIKeyEnv      string   `yaml:"api_key_env,omitempty"`
	PageSize       int      `yaml:"page_size,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`

	// Expected field shape, field name -> coarse type (string, number,
	// timestamp, list). Empty means the connector's builtin schema.
	Schema map[string]string `yaml:"schema,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Per-source overrides; zero values fall back to defaults.
	BatchSize            int          `yaml:"batch_size,omitempty"`
	DriftThreshold       float64      `yaml:"drift_similarity_threshold,omitempty"`
	FailureRateThreshold float64      `yaml:"failure_rate_threshold,omitempty"`
	Retry                *RetryConfig `yaml:"retry,omitempty"`
}

// Sources is the parsed per-source configuration file.
type Sources struct {
	Defaults PipelineDefaults `yaml:"defaults"`

	// CanonicalAliases maps source ids or titles to canonical entity ids,
	// shared across all sources.
	CanonicalAliases map[string]string `yaml:"canonical_aliases,omitempty"`

	Sources []SourceConfig `yaml:"sources"`
}

// builtinDefaults mirror the documented configuration surface.
var builtinDefaults = PipelineDefaults{
	BatchSize:            100,
	DriftThreshold:       0.6,
	FailureRateThreshold: 1.0,
	Retry: RetryConfig{
		MaxRetries:     3,
		InitialBackoff: Duration(1 * time.Second),
		MaxBackoff:     Duration(60 * time.Second),
		Multiplier:     2.0,
		JitterFraction: 0.25,
	},
}

// LoadSources parses the YAML source file and resolves per-source defaults.
func LoadSources(path string) (*Sources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources parses source configuration from raw YAML.
func ParseSources(data []byte) (*Sources, error) {
	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	applyDefaults(&s.Defaults, builtinDefaults)

	seen := make(map[string]bool, len(s.Sources))
	for i := range s.Sources {
		src := &s.Sources[i]
		if src.Name == "" {
			return nil, fmt.Errorf("source %d: name is required", i)
		}
		if seen[src.Name] {
			return nil, fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true

		if src.BatchSize <= 0 {
			src.BatchSize = s.Defaults.BatchSize
		}
		if src.DriftThreshold <= 0 {
			src.DriftThreshold = s.Defaults.DriftThreshold
		}
		if src.FailureRateThreshold <= 0 {
			src.FailureRateThreshold = s.Defaults.FailureRateThreshold
		}
		if src.Retry == nil {
			retry := s.Defaults.Retry
			src.Retry = &retry
		} else {
			applyRetryDefaults(src.Retry, s.Defaults.Retry)
		}
	}

	return &s, nil
}

// Get returns the configuration for a named source, or nil if unknown.
func (s *Sources) Get(name string) *SourceConfig {
	for i := range s.Sources {
		if s.Sources[i].Name == name {
			return &s.Sources[i]
		}
	}
	return nil
}

func applyDefaults(d *PipelineDefaults, fallback PipelineDefaults) {
	if d.BatchSize <= 0 {
		d.BatchSize = fallback.BatchSize
	}
	if d.DriftThreshold <= 0 {
		d.DriftThreshold = fallback.DriftThreshold
	}
	if d.FailureRateThreshold <= 0 {
		d.FailureRateThreshold = fallback.FailureRateThreshold
	}
	applyRetryDefaults(&d.Retry, fallback.Retry)
}

func applyRetryDefaults(r *RetryConfig, fallback RetryConfig) {
	if r.MaxRetries <= 0 {
		r.MaxRetries = fallback.MaxRetries
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = fallback.InitialBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = fallback.MaxBackoff
	}
	if r.Multiplier <= 0 {
		r.Multiplier = fallback.Multiplier
	}
	if r.JitterFraction <= 0 {
		r.JitterFraction = fallback.JitterFraction
	}
}
