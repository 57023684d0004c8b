// Package stt manages one speech-to-text upstream per live session.
//
// The Engine owns the provider stream for a session: it forwards client
// audio, relays interim and final transcripts to the client, accumulates the
// session's full transcript with a byte cap, and transparently reconnects
// the upstream when it drops mid-session. Audio arriving while the upstream
// is down is discarded, not buffered; the fast resume schedule bounds the
// gap to well under a second.
package stt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/envelope"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/internal/transport"
	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// State is the upstream connection state of one session's STT engine.
type State int

const (
	// StateActive means the provider stream is up and accepting audio.
	StateActive State = iota

	// StateReconnecting means the stream dropped and a resume is in flight.
	// Audio forwarded in this state is dropped.
	StateReconnecting

	// StateError is terminal: resume attempts were exhausted.
	StateError

	// StateClosed means the session ended normally.
	StateClosed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a session's STT engine.
type Config struct {
	// SampleRate is the PCM rate of audio handed to ForwardChunk, in Hz.
	SampleRate int

	// Language is the BCP-47 tag for transcription.
	Language string

	// MaxTranscriptBytes caps the accumulated transcript. Oldest segments
	// are evicted first. Default: 50000.
	MaxTranscriptBytes int
}

// Engine drives speech-to-text for a single session. Safe for concurrent
// use; ForwardChunk never blocks on the network state.
type Engine struct {
	sessionID string
	provider  stt.Provider
	hub       *transport.Hub
	metrics   *observe.Metrics
	cfg       Config

	connectSchedule []time.Duration
	resumeSchedule  []time.Duration

	mu       sync.Mutex
	state    State
	handle   stt.SessionHandle
	segments []string
	total    int
	interim  string

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithMetrics attaches a metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSchedules overrides the connect and resume retry schedules.
func WithSchedules(connect, resume []time.Duration) Option {
	return func(e *Engine) {
		e.connectSchedule = connect
		e.resumeSchedule = resume
	}
}

// New opens the provider stream for sessionID and starts relaying
// transcripts. The initial connection is retried on the connect schedule;
// a classified non-retryable error aborts immediately.
func New(ctx context.Context, sessionID string, provider stt.Provider, hub *transport.Hub, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxTranscriptBytes <= 0 {
		cfg.MaxTranscriptBytes = 50000
	}
	e := &Engine{
		sessionID:       sessionID,
		provider:        provider,
		hub:             hub,
		cfg:             cfg,
		connectSchedule: resilience.ConnectSchedule,
		resumeSchedule:  resilience.ResumeSchedule,
		closed:          make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	start := time.Now()
	handle, err := e.dial(ctx, e.connectSchedule)
	if err != nil {
		return nil, err
	}
	e.metrics.STTConnectDuration.Record(ctx, time.Since(start).Seconds())
	e.metrics.UpstreamConnections.Add(ctx, 1, observe.WithAttr("engine", "stt"))

	e.handle = handle
	e.state = StateActive
	e.wg.Add(1)
	go e.readLoop(handle)
	return e, nil
}

// State returns the current upstream state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ForwardChunk hands one audio chunk to the provider. While the upstream is
// reconnecting or failed the chunk is dropped with a warning; the method
// never blocks on connection recovery.
func (e *Engine) ForwardChunk(data []byte) error {
	e.mu.Lock()
	state := e.state
	handle := e.handle
	e.mu.Unlock()

	if state != StateActive {
		slog.Warn("stt: dropping audio chunk, upstream not active",
			"session_id", e.sessionID, "state", state.String(), "bytes", len(data))
		return nil
	}
	if err := handle.SendAudio(data); err != nil {
		slog.Warn("stt: send audio failed", "session_id", e.sessionID, "error", err)
	}
	return nil
}

// Transcript returns the accumulated final transcript so far: final segments
// joined by single spaces, capped at MaxTranscriptBytes with oldest segments
// evicted first.
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.segments, " ")
}

// End closes the provider stream and returns the final accumulated
// transcript. The upstream gets a chance to flush buffered finals before the
// transcript is read. End is idempotent.
func (e *Engine) End(ctx context.Context) string {
	e.closeOnce.Do(func() {
		close(e.closed)

		e.mu.Lock()
		handle := e.handle
		e.state = StateClosed
		e.mu.Unlock()

		if handle != nil {
			if err := handle.Close(); err != nil {
				slog.Debug("stt: close stream", "session_id", e.sessionID, "error", err)
			}
			e.metrics.UpstreamConnections.Add(ctx, -1, observe.WithAttr("engine", "stt"))
		}

		// Wait for the read loop to drain remaining finals, bounded by ctx.
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("stt: timed out draining transcripts", "session_id", e.sessionID)
		}
	})
	return e.Transcript()
}

// dial opens the provider stream, retrying on the given schedule.
func (e *Engine) dial(ctx context.Context, schedule []time.Duration) (stt.SessionHandle, error) {
	var handle stt.SessionHandle
	err := resilience.Retry(ctx, "stt-dial", schedule, func(ctx context.Context) error {
		h, err := e.provider.StartStream(ctx, stt.StreamConfig{
			SampleRate:     e.cfg.SampleRate,
			Language:       e.cfg.Language,
			InterimResults: true,
		})
		if err != nil {
			c := fault.Classify(err)
			e.metrics.RecordProviderError(ctx, e.provider.Name(), c.Kind.String())
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// readLoop relays transcripts from one provider handle until its channel
// closes, then decides whether to resume.
func (e *Engine) readLoop(handle stt.SessionHandle) {
	defer e.wg.Done()
	for t := range handle.Transcripts() {
		e.deliver(t)
	}

	// Channel closed. A closed engine is done; anything else is an upstream
	// drop that we try to resume transparently.
	select {
	case <-e.closed:
		return
	default:
	}
	e.resume()
}

// deliver records a transcript and forwards it to the client.
func (e *Engine) deliver(t types.Transcript) {
	e.mu.Lock()
	if t.IsFinal {
		e.interim = ""
		if t.Text != "" {
			e.segments = append(e.segments, t.Text)
			e.total += len(t.Text)
			for e.total > e.cfg.MaxTranscriptBytes && len(e.segments) > 1 {
				e.total -= len(e.segments[0])
				e.segments = e.segments[1:]
			}
			// A single final can exceed the cap on its own; shed its oldest
			// bytes so the accumulated transcript never goes over.
			if e.total > e.cfg.MaxTranscriptBytes {
				over := e.total - e.cfg.MaxTranscriptBytes
				e.segments[0] = e.segments[0][over:]
				e.total -= over
			}
		}
	} else {
		e.interim = t.Text
	}
	e.mu.Unlock()

	eventType := envelope.EventTranscriptInterim
	if t.IsFinal {
		eventType = envelope.EventTranscriptFinal
	}
	env, err := envelope.New(eventType, e.sessionID, envelope.TranscriptPayload{
		Text:       t.Text,
		Confidence: t.Confidence,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("stt: build transcript envelope", "session_id", e.sessionID, "error", err)
		return
	}
	e.hub.Send(e.sessionID, env)
}

// resume reopens the upstream on the fast schedule after a mid-session drop.
func (e *Engine) resume() {
	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return
	}
	e.state = StateReconnecting
	e.mu.Unlock()

	slog.Info("stt: upstream dropped, resuming", "session_id", e.sessionID)

	ctx := context.Background()
	handle, err := e.dial(ctx, e.resumeSchedule)
	if err != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		e.metrics.RecordReconnect(ctx, "stt", "exhausted")
		slog.Error("stt: resume failed, transcription stopped",
			"session_id", e.sessionID, "error", err)

		kind := fault.Classify(err).Kind
		env, eerr := envelope.New(envelope.ErrorEventType(kind.String()), e.sessionID,
			envelope.ErrorPayload{Message: "transcription unavailable"})
		if eerr == nil {
			e.hub.Send(e.sessionID, env)
		}
		return
	}

	e.mu.Lock()
	if e.state != StateReconnecting {
		// Closed while we were dialing.
		e.mu.Unlock()
		_ = handle.Close()
		return
	}
	e.handle = handle
	e.state = StateActive
	e.mu.Unlock()

	e.metrics.RecordReconnect(ctx, "stt", "success")
	slog.Info("stt: upstream resumed", "session_id", e.sessionID)

	e.wg.Add(1)
	go e.readLoop(handle)
}
