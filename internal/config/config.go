// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the VoxBridge server.
package config

import "time"

// LogLevel controls log verbosity for the VoxBridge server.
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

// Config is the root configuration structure for VoxBridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	LLM        LLMConfig        `yaml:"llm"`
	STT        STTConfig        `yaml:"stt"`
	TTS        TTSConfig        `yaml:"tts"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxSessions is the number of live sessions at which /readyz starts
	// reporting not-ready. New connections are still accepted.
	MaxSessions int `yaml:"max_sessions"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// StreamingConfig tunes response chunking between the LLM and TTS stages.
type StreamingConfig struct {
	// BreakMarker is the token the language model is prompted to emit at
	// natural pause points. Text is split on every occurrence.
	BreakMarker string `yaml:"break_marker"`

	// MaxBufferSize is the safety cap in characters: accumulated text with no
	// marker is force-flushed at this size.
	MaxBufferSize int `yaml:"max_buffer_size"`

	// SequentialTTS makes each chunk wait for the previous chunk's audio to
	// finish before synthesis starts.
	SequentialTTS bool `yaml:"sequential_tts"`
}

// LLMProviderRef names an alternate completion provider used when the
// primary fails.
type LLMProviderRef struct {
	// Provider selects the registered implementation (e.g., "anthropic", "groq").
	Provider string `yaml:"provider"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`
}

// LLMConfig configures the language model stage.
type LLMConfig struct {
	// Provider selects the registered implementation (e.g., "openai").
	Provider string `yaml:"provider"`

	// Model selects a specific model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// SystemPrompt is injected as the first conversation message.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxMessages caps conversation history length; older non-system
	// messages are pruned beyond it.
	MaxMessages int `yaml:"max_messages"`

	// Temperature is the sampling temperature passed to the model.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the model's response length.
	MaxTokens int `yaml:"max_tokens"`

	// Fallbacks lists alternate providers tried in order when the primary
	// provider's stream fails.
	Fallbacks []LLMProviderRef `yaml:"fallbacks"`
}

// STTConfig configures the speech-to-text stage.
type STTConfig struct {
	// Provider selects the registered implementation (e.g., "deepgram").
	Provider string `yaml:"provider"`

	// Model selects a specific model (e.g., "nova-3").
	Model string `yaml:"model"`

	// Language is the default BCP-47 language tag, overridable per session.
	Language string `yaml:"language"`

	// SessionMaxMS is the hard session lifetime cap in milliseconds.
	SessionMaxMS int64 `yaml:"session_max_ms"`

	// InactivityMaxMS evicts sessions idle longer than this, in milliseconds.
	InactivityMaxMS int64 `yaml:"inactivity_max_ms"`

	// MaxTranscriptBytes caps the accumulated transcript; oldest segments are
	// truncated beyond it.
	MaxTranscriptBytes int `yaml:"max_transcript_bytes"`
}

// SessionMaxAge returns SessionMaxMS as a duration.
func (c STTConfig) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxMS) * time.Millisecond
}

// InactivityMax returns InactivityMaxMS as a duration.
func (c STTConfig) InactivityMax() time.Duration {
	return time.Duration(c.InactivityMaxMS) * time.Millisecond
}

// TTSConfig configures the text-to-speech stage.
type TTSConfig struct {
	// Provider selects the registered implementation (e.g., "cartesia").
	Provider string `yaml:"provider"`

	// Model selects a specific model (e.g., "sonic-3").
	Model string `yaml:"model"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`

	// MaxTextChars truncates synthesis input beyond this length.
	MaxTextChars int `yaml:"max_text_chars"`

	// ReconnectBufferMaxBytes caps audio buffered while the client is
	// disconnected; oldest frames are dropped beyond it.
	ReconnectBufferMaxBytes int `yaml:"reconnect_buffer_max_bytes"`

	// KeepAliveMS is the idle ping interval on the synthesis connection, in
	// milliseconds.
	KeepAliveMS int64 `yaml:"keep_alive_ms"`
}

// KeepAlive returns KeepAliveMS as a duration.
func (c TTSConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveMS) * time.Millisecond
}

// SupervisorConfig tunes session sweeping and shutdown.
type SupervisorConfig struct {
	// CleanupIntervalMS is how often the session reaper runs, in milliseconds.
	CleanupIntervalMS int64 `yaml:"cleanup_interval_ms"`

	// ShutdownTimeoutMS bounds graceful teardown of all sessions, in
	// milliseconds.
	ShutdownTimeoutMS int64 `yaml:"shutdown_timeout_ms"`
}

// CleanupInterval returns CleanupIntervalMS as a duration.
func (c SupervisorConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMS) * time.Millisecond
}

// ShutdownTimeout returns ShutdownTimeoutMS as a duration.
func (c SupervisorConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}
