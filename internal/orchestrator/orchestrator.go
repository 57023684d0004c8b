// Package orchestrator ties client events to the per-session pipeline.
//
// The orchestrator owns the session registry and, for every active session,
// the trio of engines behind it: speech-to-text, response generation and
// synthesis. It holds no audio data itself; inbound events are validated,
// resampled where needed and dispatched to the owning engine. Teardown is
// cascaded through the registry's eviction hook, so an explicit end, a
// client disconnect, the inactivity sweep and process shutdown all unwind a
// session identically.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/engine/llm"
	"github.com/voxbridge/voxbridge/internal/engine/stt"
	"github.com/voxbridge/voxbridge/internal/engine/tts"
	"github.com/voxbridge/voxbridge/internal/envelope"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/registry"
	"github.com/voxbridge/voxbridge/internal/transport"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	llmapi "github.com/voxbridge/voxbridge/pkg/provider/llm"
	sttapi "github.com/voxbridge/voxbridge/pkg/provider/stt"
	ttsapi "github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// upstreamRate is the PCM rate all provider legs run at, in Hz.
const upstreamRate = 16000

// Config tunes the orchestrator and the engines it creates.
type Config struct {
	// STT is the template for per-session STT engines. SampleRate and
	// Language are overridden per session from the start payload.
	STT stt.Config

	// LLM is the template for per-session response generation.
	LLM llm.Config

	// TTS is the template for per-session synthesis engines.
	// ClientSampleRate, Language and the voice id are overridden per session.
	TTS tts.Config

	// Registry tunes session lifetime and the cleanup sweep. The eviction
	// hook is owned by the orchestrator; a hook set here runs after teardown.
	Registry registry.Config

	// TeardownTimeout bounds per-engine teardown. Default: 5s.
	TeardownTimeout time.Duration
}

// pipeline is the engine trio behind one active session.
type pipeline struct {
	stt        *stt.Engine
	llm        *llm.Engine
	tts        *tts.Engine
	synth      *turnSynth
	clientRate int
}

// Orchestrator dispatches client events to per-session engines. Safe for
// concurrent use.
type Orchestrator struct {
	hub     *transport.Hub
	reg     *registry.Registry
	metrics *observe.Metrics
	cfg     Config

	sttProvider sttapi.Provider
	llmProvider llmapi.Provider
	ttsProvider ttsapi.Provider

	sttOpts []stt.Option
	ttsOpts []tts.Option
	llmOpts []llm.Option

	mu    sync.Mutex
	pipes map[string]*pipeline
}

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithMetrics attaches a metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSTTOptions forwards options to every STT engine created.
func WithSTTOptions(opts ...stt.Option) Option {
	return func(o *Orchestrator) { o.sttOpts = opts }
}

// WithTTSOptions forwards options to every TTS engine created.
func WithTTSOptions(opts ...tts.Option) Option {
	return func(o *Orchestrator) { o.ttsOpts = opts }
}

// WithLLMOptions forwards options to every LLM engine created.
func WithLLMOptions(opts ...llm.Option) Option {
	return func(o *Orchestrator) { o.llmOpts = opts }
}

// New creates an Orchestrator and its session registry.
func New(hub *transport.Hub, sttP sttapi.Provider, llmP llmapi.Provider, ttsP ttsapi.Provider, cfg Config, opts ...Option) *Orchestrator {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	o := &Orchestrator{
		hub:         hub,
		cfg:         cfg,
		sttProvider: sttP,
		llmProvider: llmP,
		ttsProvider: ttsP,
		pipes:       map[string]*pipeline{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	regCfg := cfg.Registry
	userEvict := regCfg.OnEvict
	regCfg.OnEvict = func(s *registry.Session) {
		o.evicted(s)
		if userEvict != nil {
			userEvict(s)
		}
	}
	o.reg = registry.New(regCfg)
	return o
}

// Registry exposes the session table for health checks and the server loop.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// Run executes the cleanup sweep until ctx is cancelled. Call in a goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	o.reg.Run(ctx)
}

// Connect mints a session for a fresh client connection and sends the ack
// frame, the first frame on every connection.
func (o *Orchestrator) Connect(conn transport.Conn) (*registry.Session, error) {
	s := o.reg.Create(conn)
	o.hub.Register(s.ID, conn)

	env, err := envelope.New(envelope.EventConnectionAck, s.ID, envelope.AckPayload{SessionID: s.ID})
	if err != nil {
		o.reg.Delete(s.ID)
		return nil, err
	}
	o.hub.Send(s.ID, env)
	o.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("orchestrator: session connected", "session_id", s.ID)
	return s, nil
}

// Dispatch routes one decoded client frame. Unknown sessions and event
// types are dropped with a warning; the protocol never kills a connection
// over a stray frame.
func (o *Orchestrator) Dispatch(ctx context.Context, env envelope.Envelope) {
	s, ok := o.reg.Get(env.SessionID)
	if !ok {
		slog.Warn("orchestrator: event for unknown session",
			"session_id", env.SessionID, "event_type", env.EventType)
		return
	}
	s.Touch()

	switch env.EventType {
	case envelope.EventAudioInputStart:
		o.handleStart(ctx, s, env)
	case envelope.EventAudioInputChunk:
		o.handleChunk(s, env)
	case envelope.EventAudioInputEnd:
		o.handleEnd(ctx, s)
	default:
		slog.Warn("orchestrator: unexpected event type",
			"session_id", s.ID, "event_type", env.EventType)
	}
}

// UpdateEngineConfigs swaps the per-session engine templates. Running
// sessions keep their engines; sessions started afterwards pick the new
// values up. Used by the config hot-reload path.
func (o *Orchestrator) UpdateEngineConfigs(llmCfg llm.Config, ttsCfg tts.Config) {
	o.mu.Lock()
	o.cfg.LLM = llmCfg
	o.cfg.TTS = ttsCfg
	o.mu.Unlock()
}

// EndSession tears the session down: engines closed, connection closed,
// registry entry removed. Idempotent.
func (o *Orchestrator) EndSession(sessionID string) {
	o.reg.Delete(sessionID)
}

// Shutdown ends every live session. Used by the supervisor; ctx bounds the
// whole pass.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, s := range o.reg.Sessions() {
		if ctx.Err() != nil {
			slog.Warn("orchestrator: shutdown timed out with sessions remaining",
				"remaining", o.reg.Count())
			return
		}
		o.EndSession(s.ID)
	}
}

// handleStart validates the start payload and brings up the engine trio.
// The two upstream dials run in parallel; any failure unwinds the session.
func (o *Orchestrator) handleStart(ctx context.Context, s *registry.Session, env envelope.Envelope) {
	var p envelope.InputStartPayload
	if err := envelope.DecodePayload(env, &p); err == nil {
		err = p.Validate()
		if err != nil {
			slog.Warn("orchestrator: invalid audio.input.start",
				"session_id", s.ID, "error", err)
			o.sendError(s.ID, fault.KindFatal, "invalid audio.input.start payload", env.EventType)
			return
		}
	} else {
		slog.Warn("orchestrator: undecodable audio.input.start",
			"session_id", s.ID, "error", err)
		o.sendError(s.ID, fault.KindFatal, "invalid audio.input.start payload", env.EventType)
		return
	}

	if err := s.Activate(registry.AudioConfig{
		SampleRate: p.SamplingRate,
		Language:   p.Language,
		VoiceID:    p.VoiceID,
	}); err != nil {
		slog.Warn("orchestrator: audio.input.start outside IDLE",
			"session_id", s.ID, "state", s.State().String())
		o.sendError(s.ID, fault.KindFatal, "audio pipeline already started", env.EventType)
		return
	}

	o.mu.Lock()
	sttCfg := o.cfg.STT
	llmCfg := o.cfg.LLM
	ttsCfg := o.cfg.TTS
	o.mu.Unlock()

	sttCfg.SampleRate = upstreamRate
	sttCfg.Language = p.Language

	ttsCfg.ClientSampleRate = p.SamplingRate
	ttsCfg.Language = p.Language
	if p.VoiceID != "" {
		ttsCfg.Voice.ID = p.VoiceID
	}

	var (
		sttE *stt.Engine
		ttsE *tts.Engine
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e, err := stt.New(gctx, s.ID, o.sttProvider, o.hub, sttCfg, o.withMetrics(o.sttOpts)...)
		sttE = e
		return err
	})
	g.Go(func() error {
		e, err := tts.New(gctx, s.ID, o.ttsProvider, o.hub, ttsCfg, o.withTTSMetrics(o.ttsOpts)...)
		ttsE = e
		return err
	})
	if err := g.Wait(); err != nil {
		kind := fault.Classify(err).Kind
		slog.Error("orchestrator: pipeline start failed",
			"session_id", s.ID, "kind", kind.String(), "error", err)
		if sttE != nil {
			tctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
			sttE.End(tctx)
			cancel()
		}
		if ttsE != nil {
			ttsE.Close()
		}
		o.sendError(s.ID, kind, "could not start audio pipeline", env.EventType)
		o.EndSession(s.ID)
		return
	}

	synth := &turnSynth{inner: ttsE, metrics: o.metrics}
	llmOpts := append([]llm.Option{
		llm.WithMetrics(o.metrics),
		llm.WithGiveUpHandler(func() {
			// Runs on the LLM engine's goroutine; end the session elsewhere
			// so teardown never joins the goroutine that requested it.
			go o.EndSession(s.ID)
		}),
	}, o.llmOpts...)
	llmE := llm.New(s.ID, o.llmProvider, synth, llmCfg, llmOpts...)

	o.mu.Lock()
	o.pipes[s.ID] = &pipeline{
		stt:        sttE,
		llm:        llmE,
		tts:        ttsE,
		synth:      synth,
		clientRate: p.SamplingRate,
	}
	o.mu.Unlock()

	slog.Info("orchestrator: pipeline started",
		"session_id", s.ID, "sample_rate", p.SamplingRate, "language", p.Language)
}

// handleChunk resamples one client audio chunk and forwards it to STT.
func (o *Orchestrator) handleChunk(s *registry.Session, env envelope.Envelope) {
	if s.State() != registry.StateActive {
		slog.Warn("orchestrator: dropping chunk outside ACTIVE",
			"session_id", s.ID, "state", s.State().String())
		return
	}
	pipe := o.pipe(s.ID)
	if pipe == nil {
		return
	}

	var p envelope.InputChunkPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		slog.Warn("orchestrator: undecodable audio chunk", "session_id", s.ID, "error", err)
		return
	}
	if !audio.ValidPCM16(p.Audio) {
		o.metrics.MalformedAudio.Add(context.Background(), 1)
		slog.Warn("orchestrator: dropping misaligned audio chunk",
			"session_id", s.ID, "bytes", len(p.Audio))
		return
	}

	pcm := audio.Resample(p.Audio, pipe.clientRate, upstreamRate)
	if err := pipe.stt.ForwardChunk(pcm); err != nil {
		slog.Warn("orchestrator: forward chunk", "session_id", s.ID, "error", err)
	}
}

// handleEnd finalizes the capture leg and hands the transcript to the LLM.
func (o *Orchestrator) handleEnd(ctx context.Context, s *registry.Session) {
	if s.State() != registry.StateActive {
		slog.Warn("orchestrator: audio.input.end outside ACTIVE",
			"session_id", s.ID, "state", s.State().String())
		return
	}
	pipe := o.pipe(s.ID)
	if pipe == nil {
		return
	}

	endCtx, cancel := context.WithTimeout(ctx, o.cfg.TeardownTimeout)
	transcript := pipe.stt.End(endCtx)
	cancel()

	if strings.TrimSpace(transcript) == "" {
		slog.Info("orchestrator: empty transcript, no response generated",
			"session_id", s.ID)
		return
	}
	pipe.synth.markTurn()
	pipe.llm.HandleUtterance(transcript)
}

// pipe returns the session's pipeline, warning when it is missing.
func (o *Orchestrator) pipe(sessionID string) *pipeline {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.pipes[sessionID]
	if p == nil {
		slog.Warn("orchestrator: no pipeline for session", "session_id", sessionID)
	}
	return p
}

// evicted is the registry's eviction hook: it unwinds the engine trio and
// closes the client connection. Runs for explicit ends, disconnects, the
// sweep and shutdown alike.
func (o *Orchestrator) evicted(s *registry.Session) {
	o.mu.Lock()
	pipe := o.pipes[s.ID]
	delete(o.pipes, s.ID)
	o.mu.Unlock()

	if pipe != nil {
		pipe.llm.Close()
		pipe.tts.Close()
		tctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
		pipe.stt.End(tctx)
		cancel()
	}
	o.hub.Close(s.ID, websocket.StatusNormalClosure, "session ended")
	o.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("orchestrator: session ended", "session_id", s.ID)
}

// sendError ships one classified error frame to the client.
func (o *Orchestrator) sendError(sessionID string, kind fault.Kind, msg, reqEventType string) {
	env, err := envelope.New(envelope.ErrorEventType(kind.String()), sessionID, envelope.ErrorPayload{
		Message:          msg,
		RequestEventType: reqEventType,
	})
	if err != nil {
		return
	}
	o.hub.Send(sessionID, env)
}

// withMetrics prepends the orchestrator's metrics to STT engine options.
func (o *Orchestrator) withMetrics(opts []stt.Option) []stt.Option {
	return append([]stt.Option{stt.WithMetrics(o.metrics)}, opts...)
}

// withTTSMetrics prepends the orchestrator's metrics to TTS engine options.
func (o *Orchestrator) withTTSMetrics(opts []tts.Option) []tts.Option {
	return append([]tts.Option{tts.WithMetrics(o.metrics)}, opts...)
}

// turnSynth wraps the TTS engine to time the gap between the end of user
// speech and the first synthesized chunk of the turn.
type turnSynth struct {
	inner   llm.Synthesizer
	metrics *observe.Metrics

	mu        sync.Mutex
	turnStart time.Time
}

// markTurn stamps the start of a turn; the next Speak closes the measurement.
func (t *turnSynth) markTurn() {
	t.mu.Lock()
	t.turnStart = time.Now()
	t.mu.Unlock()
}

// Speak records turn latency on the first chunk, then delegates.
func (t *turnSynth) Speak(ctx context.Context, text string) error {
	t.mu.Lock()
	start := t.turnStart
	t.turnStart = time.Time{}
	t.mu.Unlock()
	if !start.IsZero() {
		t.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}
	return t.inner.Speak(ctx, text)
}

// The TTS engine satisfies the synthesizer contract the LLM engine drives.
var _ llm.Synthesizer = (*tts.Engine)(nil)
var _ llm.Synthesizer = (*turnSynth)(nil)
