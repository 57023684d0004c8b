// Command voxbridge is the main entry point for the VoxBridge voice AI server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxbridge/voxbridge/internal/config"
	llmengine "github.com/voxbridge/voxbridge/internal/engine/llm"
	sttengine "github.com/voxbridge/voxbridge/internal/engine/stt"
	ttsengine "github.com/voxbridge/voxbridge/internal/engine/tts"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/orchestrator"
	"github.com/voxbridge/voxbridge/internal/registry"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/internal/server"
	"github.com/voxbridge/voxbridge/internal/transport"
	llmapi "github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/anyllm"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/openai"
	sttapi "github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/stt/deepgram"
	ttsapi "github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/cartesia"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/elevenlabs"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Provider API keys usually live in a .env next to the binary; a missing
	// file is not an error.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	llmP, err := buildLLMProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	sttP, err := reg.CreateSTT(cfg.STT)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	ttsP, err := reg.CreateTTS(cfg.TTS)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}
	slog.Info("providers created",
		"llm", cfg.LLM.Provider, "stt", cfg.STT.Provider, "tts", cfg.TTS.Provider)

	// ── Pipeline wiring ───────────────────────────────────────────────────────
	hub := transport.NewHub()
	orch := orchestrator.New(hub, sttP, llmP, ttsP, orchestrator.Config{
		STT:      sttEngineConfig(cfg),
		LLM:      llmEngineConfig(cfg),
		TTS:      ttsEngineConfig(cfg),
		Registry: registryConfig(cfg),
	})
	go orch.Run(ctx)

	h := health.New(
		health.CredentialsChecker("credentials", credentialVars(cfg)...),
		health.SessionCapacityChecker(func() int { return orch.Registry().Count() }, cfg.Server.MaxSessions),
	)
	srv := server.New(cfg.Server, orch, h)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.LLMSamplingChanged || d.SystemPromptChanged || d.VoiceChanged {
			orch.UpdateEngineConfigs(llmEngineConfig(updated), ttsEngineConfig(updated))
			slog.Info("engine templates updated; running sessions keep their current settings")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(c config.LLMConfig) (llmapi.Provider, error) {
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(os.Getenv("OPENAI_API_KEY"), c.Model, opts...)
	})

	// The any-llm backends share one pattern; each reads its own API key
	// environment variable (ANTHROPIC_API_KEY, GROQ_API_KEY, ...).
	for _, name := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(name, func(c config.LLMConfig) (llmapi.Provider, error) {
			var opts []anyllmlib.Option
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			return anyllm.New(name, c.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(c config.LLMConfig) (llmapi.Provider, error) {
		var opts []anyllmlib.Option
		if c.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
		}
		return anyllm.NewOllama(c.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(c config.STTConfig) (sttapi.Provider, error) {
		var opts []deepgram.Option
		if c.Model != "" {
			opts = append(opts, deepgram.WithModel(c.Model))
		}
		if c.Language != "" {
			opts = append(opts, deepgram.WithLanguage(c.Language))
		}
		return deepgram.New(os.Getenv("DEEPGRAM_API_KEY"), opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("cartesia", func(config.TTSConfig) (ttsapi.Provider, error) {
		return cartesia.New(os.Getenv("CARTESIA_API_KEY"))
	})

	reg.RegisterTTS("elevenlabs", func(config.TTSConfig) (ttsapi.Provider, error) {
		return elevenlabs.New(os.Getenv("ELEVENLABS_API_KEY"))
	})
}

// buildLLMProvider creates the primary completion provider and, when
// fallbacks are configured, wraps the chain in a circuit-breaking failover
// group.
func buildLLMProvider(cfg *config.Config, reg *config.Registry) (llmapi.Provider, error) {
	primary, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
	}
	if len(cfg.LLM.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewLLMFallback(primary, cfg.LLM.Provider, resilience.FallbackConfig{})
	for _, ref := range cfg.LLM.Fallbacks {
		alt := cfg.LLM
		alt.Provider = ref.Provider
		alt.Model = ref.Model
		alt.BaseURL = ref.BaseURL
		p, err := reg.CreateLLM(alt)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", ref.Provider, err)
		}
		fb.AddFallback(ref.Provider, p)
		slog.Info("llm fallback registered", "provider", ref.Provider, "model", ref.Model)
	}
	return fb, nil
}

// ── Engine configuration ──────────────────────────────────────────────────────

func sttEngineConfig(cfg *config.Config) sttengine.Config {
	return sttengine.Config{
		Language:           cfg.STT.Language,
		MaxTranscriptBytes: cfg.STT.MaxTranscriptBytes,
	}
}

func llmEngineConfig(cfg *config.Config) llmengine.Config {
	return llmengine.Config{
		SystemPrompt:  cfg.LLM.SystemPrompt,
		MaxMessages:   cfg.LLM.MaxMessages,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		BreakMarker:   cfg.Streaming.BreakMarker,
		MaxBufferSize: cfg.Streaming.MaxBufferSize,
	}
}

func ttsEngineConfig(cfg *config.Config) ttsengine.Config {
	return ttsengine.Config{
		Model: cfg.TTS.Model,
		Voice: types.VoiceProfile{
			ID:          cfg.TTS.VoiceID,
			Provider:    cfg.TTS.Provider,
			SpeedFactor: cfg.TTS.SpeedFactor,
		},
		MaxTextChars:            cfg.TTS.MaxTextChars,
		ReconnectBufferMaxBytes: cfg.TTS.ReconnectBufferMaxBytes,
		KeepAlive:               cfg.TTS.KeepAlive(),
	}
}

func registryConfig(cfg *config.Config) registry.Config {
	return registry.Config{
		SessionMaxAge: cfg.STT.SessionMaxAge(),
		InactivityMax: cfg.STT.InactivityMax(),
		SweepInterval: cfg.Supervisor.CleanupInterval(),
	}
}

// credentialVars lists the API key environment variables the configured
// providers need, for the readiness probe.
func credentialVars(cfg *config.Config) []string {
	keyByProvider := map[string]string{
		"openai":     "OPENAI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"groq":       "GROQ_API_KEY",
		"deepgram":   "DEEPGRAM_API_KEY",
		"cartesia":   "CARTESIA_API_KEY",
		"elevenlabs": "ELEVENLABS_API_KEY",
	}
	var vars []string
	seen := map[string]bool{}
	add := func(provider string) {
		if v, ok := keyByProvider[provider]; ok && !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}
	add(cfg.LLM.Provider)
	for _, ref := range cfg.LLM.Fallbacks {
		add(ref.Provider)
	}
	add(cfg.STT.Provider)
	add(cfg.TTS.Provider)
	return vars
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        VoxBridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.LLM.Provider, cfg.LLM.Model)
	printProvider("STT", cfg.STT.Provider, cfg.STT.Model)
	printProvider("TTS", cfg.TTS.Provider, cfg.TTS.Model)
	fmt.Printf("║  LLM fallbacks   : %-19d ║\n", len(cfg.LLM.Fallbacks))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  TLS             : %-19s ║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger builds the process logger with a mutable level so the config
// watcher can change verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
