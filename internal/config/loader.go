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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":  {"deepgram"},
	"live": {"gemini"},
	"llm":  {"openai", "anyllm"},
}

// apiKeyEnvVars maps provider names to the environment variable consulted
// when the config file leaves api_key empty.
var apiKeyEnvVars = map[string]string{
	"deepgram": "DEEPGRAM_API_KEY",
	"gemini":   "GEMINI_API_KEY",
	"openai":   "OPENAI_API_KEY",
	"anyllm":   "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	resolveAPIKeys(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveAPIKeys fills empty api_key fields from the provider's conventional
// environment variable.
func resolveAPIKeys(cfg *Config) {
	entries := []*ProviderEntry{
		&cfg.Providers.STT,
		&cfg.Providers.Live,
		&cfg.Providers.LLM,
	}
	for _, e := range entries {
		if e.Name == "" || e.APIKey != "" {
			continue
		}
		env, ok := apiKeyEnvVars[e.Name]
		if !ok {
			continue
		}
		e.APIKey = os.Getenv(env)
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

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	// Pipeline
	p := cfg.Pipeline
	switch p.Mode {
	case "", "direct-audio", "transcribe-then-detect":
	default:
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: direct-audio, transcribe-then-detect", p.Mode))
	}
	if p.Language != "" && p.Language != "ja" && p.Language != "en" {
		slog.Warn("unsupported language tag, falling back to Japanese sentence patterns",
			"language", p.Language)
	}
	if p.AccumulatorTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.accumulator_timeout_ms %d must not be negative", p.AccumulatorTimeoutMs))
	}
	if p.EndpointingMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.endpointing_ms %d must not be negative", p.EndpointingMs))
	}
	if p.DedupWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.dedup_window_seconds %d must not be negative", p.DedupWindowSeconds))
	}
	if p.DedupThreshold < 0 || p.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.dedup_threshold %.2f is out of range (0, 1]", p.DedupThreshold))
	}
	if p.OpenTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.open_timeout_seconds %d must not be negative", p.OpenTimeoutSeconds))
	}

	// Mode ↔ provider cross-validation. An explicitly configured mode must be
	// startable; a defaulted mode only warns so a bare config still loads.
	switch p.Mode {
	case "transcribe-then-detect":
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, fmt.Errorf("pipeline.mode %q requires providers.stt", p.Mode))
		}
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, fmt.Errorf("pipeline.mode %q requires providers.llm", p.Mode))
		}
		if cfg.Providers.Live.Name == "" {
			slog.Warn("providers.live is not configured; direct-audio mode will be unavailable")
		}
	case "direct-audio":
		if cfg.Providers.Live.Name == "" {
			errs = append(errs, fmt.Errorf("pipeline.mode %q requires providers.live", p.Mode))
		}
		if cfg.Providers.STT.Name == "" || cfg.Providers.LLM.Name == "" {
			slog.Warn("providers.stt or providers.llm is not configured; transcribe-then-detect mode will be unavailable")
		}
	case "":
		if cfg.Providers.STT.Name == "" || cfg.Providers.LLM.Name == "" {
			slog.Warn("providers.stt or providers.llm is not configured; the default transcribe-then-detect mode will not start")
		}
	}

	// Credential presence for configured providers.
	for kind, entry := range map[string]ProviderEntry{
		"stt":  cfg.Providers.STT,
		"live": cfg.Providers.Live,
		"llm":  cfg.Providers.LLM,
	} {
		if entry.Name != "" && entry.APIKey == "" {
			env := apiKeyEnvVars[entry.Name]
			slog.Warn("provider has no API key configured",
				"kind", kind, "name", entry.Name, "env", env)
		}
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
