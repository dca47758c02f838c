// Package config provides the configuration schema, loader, and provider registry
// for the Fidel voice tutor.
package config

import (
	"log/slog"
	"time"

	"github.com/fidelai/fidel/internal/metering"
	"github.com/fidelai/fidel/internal/tutor"
)

// LogLevel controls log verbosity.
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

// Slog maps l to the matching slog level. Unknown values map to Info.
func (l LogLevel) Slog() slog.Level {
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

// Config is the root configuration structure for Fidel.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Tutor     TutorConfig     `yaml:"tutor"`

	// Metering is the token pricing policy. An omitted section means
	// [metering.DefaultRates].
	Metering metering.Rates `yaml:"metering"`

	Wallet WalletConfig `yaml:"wallet"`
}

// ServerConfig holds the observability endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz, and /metrics
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which implementation to use for each external
// dependency. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// S2S is the primary speech-to-speech transport.
	S2S ProviderEntry `yaml:"s2s"`

	// S2SFallback, when named, is tried when the primary cannot connect.
	S2SFallback ProviderEntry `yaml:"s2s_fallback"`

	// Audio is the microphone and speaker backend.
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Use ${GEMINI_API_KEY} to read it from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// TutorConfig describes the tutor persona and the session behaviour.
type TutorConfig struct {
	// Instructions replaces the built-in persona when non-empty.
	Instructions string `yaml:"instructions"`

	// Grade is the student's grade level, one of [tutor.Grades].
	Grade string `yaml:"grade"`

	// Voice is the prebuilt voice name (e.g., "Kore").
	Voice string `yaml:"voice"`

	// InputTranscription requests transcripts of what the student says.
	InputTranscription bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of what the tutor says.
	OutputTranscription bool `yaml:"output_transcription"`

	// FrameSize is the number of 16 kHz samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	// ConnectTimeout bounds session startup up to the setup acknowledgement.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// QuotaInterval is how often the balance is polled during a session.
	QuotaInterval time.Duration `yaml:"quota_interval"`
}

// WalletConfig configures the in-memory wallet.
type WalletConfig struct {
	// BalanceETB is the starting balance. Nil means [metering.DefaultBalance].
	BalanceETB *float64 `yaml:"balance_etb"`
}

// ApplyDefaults fills in every unset value with its production default.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Providers.S2S.Name == "" {
		c.Providers.S2S.Name = "gemini-live"
	}
	if c.Providers.Audio.Name == "" {
		c.Providers.Audio.Name = "portaudio"
	}
	if c.Tutor.Grade == "" {
		c.Tutor.Grade = tutor.DefaultGrade
	}
	if c.Tutor.Voice == "" {
		c.Tutor.Voice = tutor.DefaultVoice
	}
	if c.Metering == (metering.Rates{}) {
		c.Metering = metering.DefaultRates
	}
	if c.Wallet.BalanceETB == nil {
		b := metering.DefaultBalance
		c.Wallet.BalanceETB = &b
	}
}

// Balance returns the configured starting balance.
func (w WalletConfig) Balance() float64 {
	if w.BalanceETB == nil {
		return metering.DefaultBalance
	}
	return *w.BalanceETB
}

// TutorSettings converts the tutor and metering sections into controller
// settings. The model comes from the primary S2S provider entry.
func (c *Config) TutorSettings() tutor.Settings {
	s := tutor.DefaultSettings()
	s.Persona = tutor.Persona{Instructions: c.Tutor.Instructions, Grade: c.Tutor.Grade}
	if c.Tutor.Voice != "" {
		s.Voice = c.Tutor.Voice
	}
	s.Model = c.Providers.S2S.Model
	s.InputTranscription = c.Tutor.InputTranscription
	s.OutputTranscription = c.Tutor.OutputTranscription
	s.Rates = c.Metering
	s.FrameSize = c.Tutor.FrameSize
	if c.Tutor.ConnectTimeout > 0 {
		s.ConnectTimeout = c.Tutor.ConnectTimeout
	}
	if c.Tutor.QuotaInterval > 0 {
		s.QuotaInterval = c.Tutor.QuotaInterval
	}
	return s
}
