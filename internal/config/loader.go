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

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"cartesia", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
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

// ApplyDefaults fills zero-valued fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxSessions <= 0 {
		cfg.Server.MaxSessions = 500
	}

	if cfg.Streaming.BreakMarker == "" {
		cfg.Streaming.BreakMarker = "||BREAK||"
	}
	if cfg.Streaming.MaxBufferSize <= 0 {
		cfg.Streaming.MaxBufferSize = 400
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxMessages <= 0 {
		cfg.LLM.MaxMessages = 50
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 500
	}

	if cfg.STT.Provider == "" {
		cfg.STT.Provider = "deepgram"
	}
	if cfg.STT.Model == "" {
		cfg.STT.Model = "nova-3"
	}
	if cfg.STT.Language == "" {
		cfg.STT.Language = "en"
	}
	if cfg.STT.SessionMaxMS <= 0 {
		cfg.STT.SessionMaxMS = 3600000
	}
	if cfg.STT.InactivityMaxMS <= 0 {
		cfg.STT.InactivityMaxMS = 300000
	}
	if cfg.STT.MaxTranscriptBytes <= 0 {
		cfg.STT.MaxTranscriptBytes = 50000
	}

	if cfg.TTS.Provider == "" {
		cfg.TTS.Provider = "cartesia"
	}
	if cfg.TTS.Model == "" {
		cfg.TTS.Model = "sonic-3"
	}
	if cfg.TTS.MaxTextChars <= 0 {
		cfg.TTS.MaxTextChars = 10000
	}
	if cfg.TTS.ReconnectBufferMaxBytes <= 0 {
		cfg.TTS.ReconnectBufferMaxBytes = 50000
	}
	if cfg.TTS.KeepAliveMS <= 0 {
		cfg.TTS.KeepAliveMS = 30000
	}

	if cfg.Supervisor.CleanupIntervalMS <= 0 {
		cfg.Supervisor.CleanupIntervalMS = 300000
	}
	if cfg.Supervisor.ShutdownTimeoutMS <= 0 {
		cfg.Supervisor.ShutdownTimeoutMS = 5000
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
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Streaming
	if cfg.Streaming.BreakMarker == "" {
		errs = append(errs, errors.New("streaming.break_marker must not be empty"))
	}
	if cfg.Streaming.MaxBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("streaming.max_buffer_size %d must be positive", cfg.Streaming.MaxBufferSize))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.LLM.Provider)
	validateProviderName("stt", cfg.STT.Provider)
	validateProviderName("tts", cfg.TTS.Provider)
	for _, fb := range cfg.LLM.Fallbacks {
		validateProviderName("llm", fb.Provider)
	}

	// LLM
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.Provider == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].provider is required", i))
		}
	}

	// TTS
	if cfg.TTS.SpeedFactor != 0 {
		if cfg.TTS.SpeedFactor < 0.5 || cfg.TTS.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("tts.speed_factor %.2f is out of range [0.5, 2.0]", cfg.TTS.SpeedFactor))
		}
	}
	if cfg.TTS.VoiceID == "" {
		slog.Warn("tts.voice_id is empty; the provider's default voice will be used")
	}

	// Inactivity can never exceed the hard session cap.
	if cfg.STT.InactivityMaxMS > cfg.STT.SessionMaxMS {
		errs = append(errs, fmt.Errorf("stt.inactivity_max_ms %d exceeds stt.session_max_ms %d", cfg.STT.InactivityMaxMS, cfg.STT.SessionMaxMS))
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
