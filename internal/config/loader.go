package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":8080"
	DefaultLanguage   = "en-US"
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultKafkaTopic = "livescribe.transcript.chunks"
)

// ValidProviderNames lists the built-in recognition backends.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"deepgram", "replay"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
// Reconciliation and continuity zero values are left alone; the engine and
// controller resolve them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Recognition.Language == "" {
		cfg.Recognition.Language = DefaultLanguage
	}
	if cfg.Recognition.SampleRate == 0 {
		cfg.Recognition.SampleRate = DefaultSampleRate
	}
	if cfg.Recognition.Channels == 0 {
		cfg.Recognition.Channels = DefaultChannels
	}
	if cfg.Sinks.Kafka.Topic == "" {
		cfg.Sinks.Kafka.Topic = DefaultKafkaTopic
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Recognition
	rec := cfg.Recognition
	if rec.Primary.Name == "" {
		slog.Warn("recognition.primary is not configured; speech recognition will be reported as unsupported")
		if len(rec.Fallbacks) > 0 {
			errs = append(errs, errors.New("recognition.fallbacks require recognition.primary"))
		}
	}
	validateProviderName("recognition.primary", rec.Primary.Name)
	for i, fb := range rec.Fallbacks {
		prefix := fmt.Sprintf("recognition.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
	}
	if rec.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("recognition.sample_rate %d must be positive", rec.SampleRate))
	}
	if rec.Channels < 0 || rec.Channels > 2 {
		errs = append(errs, fmt.Errorf("recognition.channels %d is out of range [1, 2]", rec.Channels))
	}
	for i, k := range rec.Keywords {
		if k.Word == "" {
			errs = append(errs, fmt.Errorf("recognition.keywords[%d].word is required", i))
		}
	}
	if rec.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("recognition.breaker.max_failures %d must not be negative", rec.Breaker.MaxFailures))
	}
	if rec.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("recognition.breaker.reset_timeout %s must not be negative", rec.Breaker.ResetTimeout))
	}

	// Reconciliation
	if err := cfg.Reconciliation.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reconciliation: %w", err))
	}

	// Continuity
	if err := cfg.Continuity.RestartPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("continuity: %w", err))
	}

	// Sinks
	if k := cfg.Sinks.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			errs = append(errs, errors.New("sinks.kafka.brokers is required when kafka is enabled"))
		}
		if k.Topic == "" {
			errs = append(errs, errors.New("sinks.kafka.topic is required when kafka is enabled"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
