package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (providers, addresses, buffer sizes) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMSamplingChanged is set when model, temperature, or max_tokens
	// changed. New streams pick the values up; in-flight streams finish on
	// the old ones.
	LLMSamplingChanged bool

	// SystemPromptChanged is set when llm.system_prompt changed. Only
	// sessions created after the reload see the new prompt.
	SystemPromptChanged bool

	// VoiceChanged is set when tts.voice_id or tts.speed_factor changed.
	VoiceChanged bool
}

// Any reports whether the diff contains any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.LLMSamplingChanged || d.SystemPromptChanged || d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.LLM.Model != new.LLM.Model ||
		old.LLM.Temperature != new.LLM.Temperature ||
		old.LLM.MaxTokens != new.LLM.MaxTokens {
		d.LLMSamplingChanged = true
	}

	if old.LLM.SystemPrompt != new.LLM.SystemPrompt {
		d.SystemPromptChanged = true
	}

	if old.TTS.VoiceID != new.TTS.VoiceID || old.TTS.SpeedFactor != new.TTS.SpeedFactor {
		d.VoiceChanged = true
	}

	return d
}
