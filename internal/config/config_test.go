package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
streaming:
  break_marker: "||BREAK||"
  max_buffer_size: 300
  sequential_tts: true
llm:
  provider: openai
  model: gpt-4o-mini
  system_prompt: "You are a helpful phone agent."
  max_messages: 40
  temperature: 0.5
  max_tokens: 400
  fallbacks:
    - provider: groq
      model: llama-3.3-70b-versatile
stt:
  provider: deepgram
  model: nova-3
  language: en
  session_max_ms: 1800000
  inactivity_max_ms: 120000
  max_transcript_bytes: 25000
tts:
  provider: cartesia
  model: sonic-3
  voice_id: voice-abc
  max_text_chars: 8000
  reconnect_buffer_max_bytes: 40000
  keep_alive_ms: 15000
supervisor:
  cleanup_interval_ms: 60000
  shutdown_timeout_ms: 3000
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if !cfg.Streaming.SequentialTTS {
		t.Error("sequential_tts not parsed")
	}
	if cfg.Streaming.MaxBufferSize != 300 {
		t.Errorf("max_buffer_size = %d, want 300", cfg.Streaming.MaxBufferSize)
	}
	if cfg.LLM.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", cfg.LLM.Temperature)
	}
	if len(cfg.LLM.Fallbacks) != 1 || cfg.LLM.Fallbacks[0].Provider != "groq" {
		t.Errorf("fallbacks = %+v, want one groq entry", cfg.LLM.Fallbacks)
	}
	if got := cfg.STT.SessionMaxAge(); got != 30*time.Minute {
		t.Errorf("SessionMaxAge = %v, want 30m", got)
	}
	if got := cfg.STT.InactivityMax(); got != 2*time.Minute {
		t.Errorf("InactivityMax = %v, want 2m", got)
	}
	if got := cfg.TTS.KeepAlive(); got != 15*time.Second {
		t.Errorf("KeepAlive = %v, want 15s", got)
	}
	if got := cfg.Supervisor.ShutdownTimeout(); got != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", got)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Streaming.BreakMarker != "||BREAK||" {
		t.Errorf("default break_marker = %q", cfg.Streaming.BreakMarker)
	}
	if cfg.Streaming.MaxBufferSize != 400 {
		t.Errorf("default max_buffer_size = %d, want 400", cfg.Streaming.MaxBufferSize)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("default llm = %q/%q", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.LLM.MaxMessages != 50 || cfg.LLM.Temperature != 0.7 || cfg.LLM.MaxTokens != 500 {
		t.Errorf("default llm sampling = %+v", cfg.LLM)
	}
	if cfg.STT.Provider != "deepgram" || cfg.STT.Model != "nova-3" {
		t.Errorf("default stt = %q/%q", cfg.STT.Provider, cfg.STT.Model)
	}
	if got := cfg.STT.SessionMaxAge(); got != time.Hour {
		t.Errorf("default SessionMaxAge = %v, want 1h", got)
	}
	if cfg.STT.MaxTranscriptBytes != 50000 {
		t.Errorf("default max_transcript_bytes = %d, want 50000", cfg.STT.MaxTranscriptBytes)
	}
	if cfg.TTS.Provider != "cartesia" || cfg.TTS.Model != "sonic-3" {
		t.Errorf("default tts = %q/%q", cfg.TTS.Provider, cfg.TTS.Model)
	}
	if cfg.TTS.MaxTextChars != 10000 {
		t.Errorf("default max_text_chars = %d, want 10000", cfg.TTS.MaxTextChars)
	}
	if got := cfg.TTS.KeepAlive(); got != 30*time.Second {
		t.Errorf("default KeepAlive = %v, want 30s", got)
	}
	if got := cfg.Supervisor.CleanupInterval(); got != 5*time.Minute {
		t.Errorf("default CleanupInterval = %v, want 5m", got)
	}
	if got := cfg.Supervisor.ShutdownTimeout(); got != 5*time.Second {
		t.Errorf("default ShutdownTimeout = %v, want 5s", got)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("verbose should be invalid")
	}
}
