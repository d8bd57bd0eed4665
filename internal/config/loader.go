package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Values of the form ${ENV_VAR} are replaced with the corresponding
// environment variable before decoding, so API keys can live in the
// environment rather than on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references,
// fills defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := expandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} references with the value of the environment
// variable VAR. Bare $VAR forms and unknown variables are left untouched so
// that YAML content containing literal dollar signs survives expansion.
func expandEnv(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[start+2 : start+end]
		b.WriteString(s[:start])
		if val, ok := os.LookupEnv(name); ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[start : start+end+1])
		}
		s = s[start+end+1:]
	}
}

// applyDefaults fills zero-valued fields with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.ASR.SampleRate == 0 {
		cfg.ASR.SampleRate = 16000
	}
	if cfg.ASR.Channels == 0 {
		cfg.ASR.Channels = 1
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOpenAI
	}
	if cfg.TTS.ModelID == "" {
		cfg.TTS.ModelID = "inworld-tts-1"
	}
	if cfg.TTS.VoiceID == "" {
		cfg.TTS.VoiceID = "Ashley"
	}
	if cfg.TTS.SampleRate == 0 {
		cfg.TTS.SampleRate = 48000
	}
	if cfg.Session.MaxHistory == 0 {
		cfg.Session.MaxHistory = 16
	}
	if cfg.Session.CharBudget == 0 {
		cfg.Session.CharBudget = 250
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// ASR
	if cfg.ASR.URL == "" {
		errs = append(errs, errors.New("asr.url is required"))
	} else if u, err := url.Parse(cfg.ASR.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("asr.url %q must be a ws:// or wss:// URL", cfg.ASR.URL))
	}
	if cfg.ASR.SampleRate < 8000 || cfg.ASR.SampleRate > 96000 {
		errs = append(errs, fmt.Errorf("asr.sample_rate %d is out of range [8000, 96000]", cfg.ASR.SampleRate))
	}
	if cfg.ASR.Channels != 1 && cfg.ASR.Channels != 2 {
		errs = append(errs, fmt.Errorf("asr.channels %d must be 1 or 2", cfg.ASR.Channels))
	}

	// LLM
	if !cfg.LLM.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("llm.provider %q is invalid; valid values: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", cfg.LLM.Provider))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.TopP < 0 || cfg.LLM.TopP > 1 {
		errs = append(errs, fmt.Errorf("llm.top_p %.2f is out of range [0, 1]", cfg.LLM.TopP))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.APIKey == "" && cfg.LLM.Provider != ProviderOllama && cfg.LLM.Provider != ProviderLlamaCpp && cfg.LLM.Provider != ProviderLlamafile {
		slog.Warn("llm.api_key is empty; requests to the provider will likely be rejected",
			"provider", cfg.LLM.Provider)
	}

	// TTS
	if cfg.TTS.URL == "" {
		errs = append(errs, errors.New("tts.url is required"))
	} else if u, err := url.Parse(cfg.TTS.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("tts.url %q must be an http:// or https:// URL", cfg.TTS.URL))
	}
	if cfg.TTS.SampleRate < 8000 || cfg.TTS.SampleRate > 96000 {
		errs = append(errs, fmt.Errorf("tts.sample_rate %d is out of range [8000, 96000]", cfg.TTS.SampleRate))
	}
	if cfg.TTS.Temperature < 0 || cfg.TTS.Temperature > 2 {
		errs = append(errs, fmt.Errorf("tts.temperature %.2f is out of range [0, 2]", cfg.TTS.Temperature))
	}
	if cfg.TTS.Authorization == "" {
		slog.Warn("tts.authorization is empty; requests to the synthesis service will likely be rejected")
	}

	// Session
	if cfg.Session.MaxHistory < 2 {
		errs = append(errs, fmt.Errorf("session.max_history %d must be at least 2 (one user/assistant pair)", cfg.Session.MaxHistory))
	}
	if cfg.Session.CharBudget < 1 {
		errs = append(errs, fmt.Errorf("session.char_budget %d must be positive", cfg.Session.CharBudget))
	}

	return errors.Join(errs...)
}
