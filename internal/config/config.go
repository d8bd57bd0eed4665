// Package config provides the configuration schema, loader, and validation
// for the Parley voice agent server.
package config

// LogLevel controls log verbosity for the Parley server.
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

// LLMProvider selects the chat backend implementation.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
	ProviderOllama    LLMProvider = "ollama"
	ProviderDeepseek  LLMProvider = "deepseek"
	ProviderMistral   LLMProvider = "mistral"
	ProviderGroq      LLMProvider = "groq"
	ProviderLlamaCpp  LLMProvider = "llamacpp"
	ProviderLlamafile LLMProvider = "llamafile"
)

// IsValid reports whether p is a recognised LLM provider.
func (p LLMProvider) IsValid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderOllama,
		ProviderDeepseek, ProviderMistral, ProviderGroq, ProviderLlamaCpp,
		ProviderLlamafile:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	ASR     ASRConfig     `yaml:"asr"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds network and logging settings for the Parley server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
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

// ASRConfig describes the upstream speech-to-text websocket service.
type ASRConfig struct {
	// URL is the websocket endpoint of the ASR service
	// (e.g., "ws://localhost:9001/ws").
	URL string `yaml:"url"`

	// APIKey is sent as a Bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// SampleRate is the PCM sample rate in Hz announced in the start
	// message. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the PCM channel count. Default: 1.
	Channels int `yaml:"channels"`
}

// LLMConfig describes the chat-completions backend.
type LLMConfig struct {
	// Provider selects the backend implementation. "openai" uses the
	// official SDK; any other valid value goes through the any-llm bridge.
	Provider LLMProvider `yaml:"provider"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// SystemPrompt is prepended to every conversation. May be empty.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is the sampling temperature. 0 means the built-in
	// default (0.2).
	Temperature float64 `yaml:"temperature"`

	// TopP is the nucleus-sampling cutoff. 0 means the built-in default (1.0).
	TopP float64 `yaml:"top_p"`

	// MaxTokens caps the reply length. 0 means the built-in default (256).
	MaxTokens int `yaml:"max_tokens"`
}

// TTSConfig describes the streaming text-to-speech service.
type TTSConfig struct {
	// URL is the HTTP synthesis endpoint.
	URL string `yaml:"url"`

	// Authorization is the full Authorization header value
	// (e.g., "Basic …" or "Bearer …").
	Authorization string `yaml:"authorization"`

	// ModelID selects the synthesis model. Default: "inworld-tts-1".
	ModelID string `yaml:"model_id"`

	// VoiceID selects the voice. Default: "Ashley".
	VoiceID string `yaml:"voice_id"`

	// SampleRate is the output PCM sample rate in Hz. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// Temperature controls synthesis variability. 0 means the built-in
	// default (1.2).
	Temperature float64 `yaml:"temperature"`
}

// SessionConfig tunes the conversation orchestrator.
type SessionConfig struct {
	// MaxHistory bounds the chat history to the most recent N messages.
	// Default: 16.
	MaxHistory int `yaml:"max_history"`

	// CharBudget is the segmenter's character budget before a forced
	// segment emit. Default: 250.
	CharBudget int `yaml:"char_budget"`
}
