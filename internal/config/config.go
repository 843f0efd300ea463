// Package config provides the configuration schema, loader, and provider registry
// for the livescribe transcription service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// LogLevel controls log verbosity for the livescribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for livescribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Recognition    RecognitionConfig    `yaml:"recognition"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Continuity     ContinuityConfig     `yaml:"continuity"`
	Sinks          SinksConfig          `yaml:"sinks"`
}

// ServerConfig holds network and logging settings for the livescribe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists extra host patterns (path.Match syntax) allowed to
	// open display websockets from a browser. Same-origin is always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RecognitionConfig selects the speech recognition backends and the audio
// format clients stream.
type RecognitionConfig struct {
	// Primary is the preferred backend. When its name is empty, recognition
	// is reported as unsupported.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary cannot open a stream.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Language is the BCP-47 recognition language. Default: "en-US".
	Language string `yaml:"language"`

	// SampleRate of the ingested PCM audio in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the ingested PCM audio. Default: 1.
	Channels int `yaml:"channels"`

	// Keywords boost recognition of domain terms.
	Keywords []KeywordConfig `yaml:"keywords"`

	// Breaker tunes the per-backend circuit breakers used with fallbacks.
	Breaker BreakerConfig `yaml:"breaker"`
}

// KeywordConfig is one boosted recognition term.
type KeywordConfig struct {
	Word  string  `yaml:"word"`
	Boost float64 `yaml:"boost"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures.
	// Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the common configuration block shared by all recognition
// backends. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "replay").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ReconciliationConfig configures how results are folded into the transcript.
type ReconciliationConfig struct {
	// DedupMode is one of index_only, similarity, phonetic. Default: similarity.
	DedupMode transcript.DedupMode `yaml:"dedup_mode"`

	// HistorySize is the number of recent phrases checked for repeats. Default: 5.
	HistorySize int `yaml:"history_size"`

	// SimilarityThreshold is the word overlap ratio that must be exceeded
	// for a repeat. Default: 0.8.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// Policy converts c into an engine policy.
func (c ReconciliationConfig) Policy() transcript.Policy {
	return transcript.Policy{
		Mode:        c.DedupMode,
		HistorySize: c.HistorySize,
		Threshold:   c.SimilarityThreshold,
	}
}

// ContinuityConfig configures automatic restarts of recognition sessions.
type ContinuityConfig struct {
	// AutoRestart restarts sessions that end while listening. Default: true.
	AutoRestart *bool `yaml:"auto_restart"`

	// RestartDelay is the debounce before the first restart. Default: 500ms.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// MaxRestartDelay caps the exponential backoff. Default: 8s.
	MaxRestartDelay time.Duration `yaml:"max_restart_delay"`

	// MaxRestarts limits consecutive restarts without a result. Default: 10.
	// Negative means unlimited.
	MaxRestarts int `yaml:"max_restarts"`
}

// RestartPolicy converts c into a controller restart policy.
func (c ContinuityConfig) RestartPolicy() session.RestartPolicy {
	return session.RestartPolicy{
		Enabled:     c.AutoRestart == nil || *c.AutoRestart,
		Delay:       c.RestartDelay,
		MaxDelay:    c.MaxRestartDelay,
		MaxRestarts: c.MaxRestarts,
	}
}

// SinksConfig configures downstream consumers of committed chunks.
type SinksConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the Kafka chunk publisher.
type KafkaConfig struct {
	// Enabled turns publishing on. When false, chunks are only logged.
	Enabled bool `yaml:"enabled"`

	// Brokers lists bootstrap broker addresses.
	Brokers []string `yaml:"brokers"`

	// Topic receives one message per committed chunk.
	// Default: "livescribe.transcript.chunks".
	Topic string `yaml:"topic"`
}

// StreamConfig builds the backend stream parameters from c.
func (c RecognitionConfig) StreamConfig() stt.StreamConfig {
	cfg := stt.StreamConfig{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Language:   c.Language,
	}
	for _, k := range c.Keywords {
		cfg.Keywords = append(cfg.Keywords, stt.KeywordBoost{Keyword: k.Word, Boost: k.Boost})
	}
	return cfg
}
