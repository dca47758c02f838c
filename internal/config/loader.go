package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fidelai/fidel/internal/tutor"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "gemini-genai"},
	"audio": {"portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// A .env file in the same directory, if present, is loaded into the process
// environment first so that ${VAR} references can resolve against it.
// Variables already set in the environment take precedence.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

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

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the value of VAR. Bare $VAR is left alone
// so persona text may contain dollar signs.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
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

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("s2s", cfg.Providers.S2SFallback.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	if fb := cfg.Providers.S2SFallback; fb.Name != "" && sameEndpoint(cfg.Providers.S2S, fb) {
		slog.Warn("providers.s2s_fallback is identical to providers.s2s; it adds nothing", "name", fb.Name)
	}

	// Tutor
	if g := cfg.Tutor.Grade; g != "" && !tutor.ValidGrade(g) {
		errs = append(errs, fmt.Errorf("tutor.grade %q is invalid; valid values: %v", g, tutor.Grades))
	}
	if cfg.Tutor.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("tutor.frame_size %d must not be negative", cfg.Tutor.FrameSize))
	}
	if cfg.Tutor.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("tutor.connect_timeout %s must not be negative", cfg.Tutor.ConnectTimeout))
	}
	if cfg.Tutor.QuotaInterval < 0 {
		errs = append(errs, fmt.Errorf("tutor.quota_interval %s must not be negative", cfg.Tutor.QuotaInterval))
	}

	// Metering and wallet
	if err := cfg.Metering.Validate(); err != nil {
		errs = append(errs, err)
	}
	if b := cfg.Wallet.BalanceETB; b != nil && (*b < 0 || math.IsNaN(*b) || math.IsInf(*b, 0)) {
		errs = append(errs, fmt.Errorf("wallet.balance_etb %v must be a finite value >= 0", *b))
	}

	return errors.Join(errs...)
}

// sameEndpoint reports whether a and b select the same provider, key, model,
// and endpoint. Options are not compared.
func sameEndpoint(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
