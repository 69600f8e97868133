// Package config provides the configuration schema and loader for the qsift
// question-extraction pipeline.
package config

import "time"

// LogLevel controls log verbosity for the qsift server.
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

// Config is the root configuration structure for qsift.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings for the qsift server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	// STT is the streaming transcription provider used in
	// transcribe-then-detect mode.
	STT ProviderEntry `yaml:"stt"`

	// Live is the realtime multimodal provider used in direct-audio mode.
	Live ProviderEntry `yaml:"live"`

	// LLM is the text-completion provider used by the question classifier.
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "deepgram", "gemini",
	// "openai", "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When empty,
	// the loader falls back to the provider's conventional environment
	// variable (DEEPGRAM_API_KEY, GEMINI_API_KEY, OPENAI_API_KEY).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "nova-2", "gemini-2.0-flash-live-001", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig holds extraction-pipeline tuning parameters.
type PipelineConfig struct {
	// Mode selects the extraction strategy: "direct-audio" or
	// "transcribe-then-detect". Default: "transcribe-then-detect".
	Mode string `yaml:"mode"`

	// Language is the BCP-47 language tag for transcription and sentence
	// boundary detection (e.g., "ja", "en"). Default: "ja".
	Language string `yaml:"language"`

	// AccumulatorTimeoutMs is the sentence-buffer flush timeout in
	// milliseconds. 0 means the built-in default (1000).
	AccumulatorTimeoutMs int `yaml:"accumulator_timeout_ms"`

	// EndpointingMs is the silence duration the transcription provider uses
	// to finalise an utterance, in milliseconds. 0 means the built-in
	// default (1000).
	EndpointingMs int `yaml:"endpointing_ms"`

	// DedupWindowSeconds is the duplicate-suppression window in seconds.
	// 0 means the built-in default (30).
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`

	// DedupThreshold is the similarity threshold above which a candidate is
	// considered a duplicate, in (0, 1]. 0 means the built-in default (0.7).
	DedupThreshold float64 `yaml:"dedup_threshold"`

	// OpenTimeoutSeconds bounds the per-source session handshake at pipeline
	// start, in seconds. 0 means the built-in default (10).
	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
}

// AccumulatorTimeout returns the configured flush timeout as a duration, or
// zero when unset.
func (p PipelineConfig) AccumulatorTimeout() time.Duration {
	return time.Duration(p.AccumulatorTimeoutMs) * time.Millisecond
}

// DedupWindow returns the configured suppression window as a duration, or
// zero when unset.
func (p PipelineConfig) DedupWindow() time.Duration {
	return time.Duration(p.DedupWindowSeconds) * time.Second
}

// OpenTimeout returns the configured handshake bound as a duration, or zero
// when unset.
func (p PipelineConfig) OpenTimeout() time.Duration {
	return time.Duration(p.OpenTimeoutSeconds) * time.Second
}
