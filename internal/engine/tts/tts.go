// Package tts manages one text-to-speech upstream per live session.
//
// The Engine owns the provider stream for a session: it submits text for
// synthesis, relays the resulting audio frames to the client as output
// envelopes, and reconnects the upstream when it drops. Synthesis is
// strictly serialized by a per-session mutex; a call arriving while another
// synthesis is in flight is rejected rather than queued, because ordering
// is the caller's job and queueing here would hide a sequencing bug. Text
// submitted while the upstream is down is buffered and spoken in order once
// the connection is back.
package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/envelope"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/internal/transport"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// upstreamRate is the PCM rate the provider leg always runs at, in Hz.
// Frames are resampled to the client rate on the way out.
const upstreamRate = 16000

// State is the synthesis state of one session's TTS engine. Exactly one
// synthesis cycle runs at a time; the state tracks where in the cycle it is.
type State int

const (
	// StateIdle means no synthesis is in flight.
	StateIdle State = iota

	// StateGenerating means text was submitted and no audio arrived yet.
	StateGenerating

	// StateStreaming means audio frames are flowing to the client.
	StateStreaming

	// StateCompleted is the momentary state after the upstream signalled
	// completion, before returning to idle.
	StateCompleted

	// StateCancelled is the momentary state after a cancel, before returning
	// to idle.
	StateCancelled

	// StateError is the momentary state after an upstream failure, before
	// returning to idle.
	StateError
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateGenerating:
		return "GENERATING"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// validNext lists the transitions the state machine accepts. Anything else
// is rejected silently, leaving the state unchanged.
var validNext = map[State][]State{
	StateIdle:       {StateGenerating},
	StateGenerating: {StateStreaming, StateCompleted, StateCancelled, StateError},
	StateStreaming:  {StateCompleted, StateCancelled, StateError},
	StateCompleted:  {StateIdle},
	StateCancelled:  {StateIdle},
	StateError:      {StateIdle},
}

// Config tunes a session's TTS engine.
type Config struct {
	// Model is the provider model identifier (e.g. "sonic-3").
	Model string

	// Voice selects the synthesis voice.
	Voice types.VoiceProfile

	// Language is the BCP-47 language tag. Empty means provider default.
	Language string

	// ClientSampleRate is the PCM rate of audio delivered to the client, in
	// Hz. Default: 16000 (no resampling).
	ClientSampleRate int

	// MaxTextChars truncates longer synthesis inputs. Default: 10000.
	MaxTextChars int

	// ReconnectBufferMaxBytes caps text buffered while the upstream is down.
	// Oldest entries are evicted first. Default: 50000.
	ReconnectBufferMaxBytes int

	// KeepAlive is the upstream ping interval. Default: 30s.
	KeepAlive time.Duration
}

// Engine drives text-to-speech for a single session. Safe for concurrent
// use; synthesis calls are rejected, not queued, while one is in flight.
type Engine struct {
	sessionID string
	provider  tts.Provider
	hub       *transport.Hub
	metrics   *observe.Metrics
	cfg       Config

	connectSchedule []time.Duration

	// synthMu serializes synthesis cycles. TryLock makes concurrent callers
	// bounce instead of queueing.
	synthMu sync.Mutex

	mu           sync.Mutex
	state        State
	stream       tts.Stream
	connListener tts.ListenerID
	connected    bool
	reconnecting bool
	closed       bool
	cancelCur    chan struct{}
	buffer       []string
	bufferBytes  int
	downSince    time.Time
	downtime     time.Duration

	keepAliveStop chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithMetrics attaches a metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithConnectSchedule overrides the connect and reconnect retry schedule.
func WithConnectSchedule(schedule []time.Duration) Option {
	return func(e *Engine) { e.connectSchedule = schedule }
}

// New opens the provider stream for sessionID and starts the keep-alive
// ticker. The initial connection is retried on the connect schedule; a
// classified non-retryable error aborts immediately.
func New(ctx context.Context, sessionID string, provider tts.Provider, hub *transport.Hub, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.ClientSampleRate <= 0 {
		cfg.ClientSampleRate = upstreamRate
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = 10000
	}
	if cfg.ReconnectBufferMaxBytes <= 0 {
		cfg.ReconnectBufferMaxBytes = 50000
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	e := &Engine{
		sessionID:       sessionID,
		provider:        provider,
		hub:             hub,
		cfg:             cfg,
		connectSchedule: resilience.ConnectSchedule,
		keepAliveStop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	stream, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	e.attach(stream)
	e.metrics.UpstreamConnections.Add(ctx, 1, observe.WithAttr("engine", "tts"))

	e.wg.Add(1)
	go e.keepAlive()
	return e, nil
}

// State returns the current synthesis state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connected reports whether the upstream stream is currently usable.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Downtime returns the total time the upstream spent disconnected across
// completed reconnections.
func (e *Engine) Downtime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downtime
}

// Speak synthesizes text and blocks until its audio has been fully delivered
// or the synthesis fails. It implements the synthesizer contract the llm
// engine drives sequentially.
func (e *Engine) Speak(ctx context.Context, text string) error {
	_, err := e.Synthesize(ctx, text)
	return err
}

// Synthesize runs one synthesis cycle and returns the duration of the audio
// produced. Whitespace-only text is a no-op. A call arriving while another
// synthesis holds the mutex returns zero immediately without side effects.
// While the upstream is down the text is buffered for replay on reconnect
// and the call returns zero.
func (e *Engine) Synthesize(ctx context.Context, text string) (time.Duration, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	if len(text) > e.cfg.MaxTextChars {
		slog.Warn("tts: truncating oversized text",
			"session_id", e.sessionID, "chars", len(text), "cap", e.cfg.MaxTextChars)
		text = text[:e.cfg.MaxTextChars]
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, nil
	}
	if !e.connected {
		e.bufferLocked(text)
		e.mu.Unlock()
		return 0, nil
	}
	stream := e.stream
	e.mu.Unlock()

	if !e.synthMu.TryLock() {
		e.metrics.SynthesisRejected.Add(ctx, 1)
		slog.Warn("tts: synthesis rejected, another in flight", "session_id", e.sessionID)
		return 0, nil
	}
	defer e.synthMu.Unlock()

	return e.synthesize(ctx, stream, text)
}

// Cancel aborts the in-flight synthesis, if any. Frames already queued stay
// queued and the utterance's completion envelope is still emitted, so the
// client always sees its start closed. A cancel with nothing in flight is a
// no-op.
func (e *Engine) Cancel() {
	e.mu.Lock()
	ch := e.cancelCur
	e.cancelCur = nil
	e.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Close cancels any in-flight synthesis, stops the keep-alive ticker and
// tears the upstream down. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.Cancel()

		e.mu.Lock()
		e.closed = true
		stream := e.stream
		listener := e.connListener
		wasConnected := e.connected
		e.connected = false
		e.mu.Unlock()

		close(e.keepAliveStop)
		if stream != nil {
			stream.Off(listener)
			if err := stream.Close(); err != nil {
				slog.Debug("tts: close stream", "session_id", e.sessionID, "error", err)
			}
		}
		if wasConnected {
			e.metrics.UpstreamConnections.Add(context.Background(), -1, observe.WithAttr("engine", "tts"))
		}
		e.wg.Wait()
	})
}

// synthesize is one full cycle: start envelope, upstream send, frame relay,
// completion envelope. Caller holds synthMu. The three stream listeners are
// removed unconditionally on every exit path; leaking them would stack
// callbacks across cycles.
func (e *Engine) synthesize(ctx context.Context, stream tts.Stream, text string) (time.Duration, error) {
	utteranceID := envelope.NewID()
	cancel := make(chan struct{})

	e.mu.Lock()
	if !e.transitionLocked(StateGenerating) {
		e.mu.Unlock()
		return 0, nil
	}
	e.cancelCur = cancel
	e.mu.Unlock()

	start := time.Now()
	done := make(chan error, 1)
	var audioBytes atomic.Int64

	frameID := stream.OnFrame(func(f tts.Frame) {
		if f.UtteranceID != utteranceID {
			return
		}
		e.mu.Lock()
		if e.state == StateGenerating {
			e.transitionLocked(StateStreaming)
		}
		e.mu.Unlock()
		audioBytes.Add(int64(len(f.Audio)))
		e.relayFrame(f.Audio, utteranceID)
	})
	completeID := stream.OnComplete(func(id string) {
		if id != utteranceID {
			return
		}
		select {
		case done <- nil:
		default:
		}
	})
	errorID := stream.OnError(func(err error) {
		select {
		case done <- err:
		default:
		}
	})
	defer func() {
		stream.Off(frameID)
		stream.Off(completeID)
		stream.Off(errorID)
	}()

	if env, err := envelope.New(envelope.EventAudioOutputStart, e.sessionID,
		envelope.OutputStartPayload{UtteranceID: utteranceID}); err == nil {
		e.hub.Send(e.sessionID, env)
	}
	// Every start is matched by exactly one complete, even when the cycle
	// fails or is cancelled mid-stream: the client needs the close of the
	// utterance it saw opened, possibly with missing audio.
	defer func() {
		if env, err := envelope.New(envelope.EventAudioOutputComplete, e.sessionID,
			envelope.OutputCompletePayload{UtteranceID: utteranceID}); err == nil {
			e.hub.Send(e.sessionID, env)
		}
	}()

	if err := stream.Send(ctx, tts.Input{Text: text, UtteranceID: utteranceID}); err != nil {
		kind := fault.Classify(err).Kind
		e.metrics.RecordProviderError(ctx, e.provider.Name(), kind.String())
		slog.Error("tts: send text failed",
			"session_id", e.sessionID, "kind", kind.String(), "error", err)
		e.finish(StateError)
		return 0, err
	}

	select {
	case err := <-done:
		if err != nil {
			kind := fault.Classify(err).Kind
			e.metrics.RecordProviderError(ctx, e.provider.Name(), kind.String())
			slog.Error("tts: synthesis failed",
				"session_id", e.sessionID, "utterance_id", utteranceID,
				"kind", kind.String(), "error", err)
			e.finish(StateError)
			return 0, err
		}
	case <-cancel:
		slog.Info("tts: synthesis cancelled",
			"session_id", e.sessionID, "utterance_id", utteranceID)
		e.finish(StateCancelled)
		return 0, nil
	case <-ctx.Done():
		e.finish(StateCancelled)
		return 0, ctx.Err()
	}

	e.finish(StateCompleted)
	e.metrics.TTSSynthesisDuration.Record(ctx, time.Since(start).Seconds())

	samples := audioBytes.Load() / 2
	return time.Duration(samples) * time.Second / upstreamRate, nil
}

// relayFrame resamples one upstream frame to the client rate and ships it.
// Runs on the stream's read goroutine; hub delivery never blocks for audio.
func (e *Engine) relayFrame(pcm []byte, utteranceID string) {
	out := audio.Resample(pcm, upstreamRate, e.cfg.ClientSampleRate)
	env, err := envelope.New(envelope.EventAudioOutputChunk, e.sessionID, envelope.OutputChunkPayload{
		Audio:       out,
		UtteranceID: utteranceID,
		SampleRate:  e.cfg.ClientSampleRate,
	})
	if err != nil {
		slog.Error("tts: build chunk envelope", "session_id", e.sessionID, "error", err)
		return
	}
	ctx := context.Background()
	if e.hub.Send(e.sessionID, env) {
		e.metrics.AudioFramesSent.Add(ctx, 1)
	} else {
		e.metrics.FramesDropped.Add(ctx, 1)
	}
}

// finish steps through the terminal state and back to idle, clearing the
// cancel handle.
func (e *Engine) finish(terminal State) {
	e.mu.Lock()
	e.transitionLocked(terminal)
	e.transitionLocked(StateIdle)
	e.cancelCur = nil
	e.mu.Unlock()
}

// transitionLocked applies one state transition if it is valid. Invalid
// transitions leave the state unchanged and bump a counter. Caller holds e.mu.
func (e *Engine) transitionLocked(to State) bool {
	for _, next := range validNext[e.state] {
		if next == to {
			e.state = to
			return true
		}
	}
	e.metrics.InvalidTransitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("from", e.state.String()),
			attribute.String("to", to.String()),
		))
	slog.Debug("tts: invalid state transition rejected",
		"session_id", e.sessionID, "from", e.state.String(), "to", to.String())
	return false
}

// dial opens the provider stream, retrying on the connect schedule.
func (e *Engine) dial(ctx context.Context) (tts.Stream, error) {
	var stream tts.Stream
	err := resilience.Retry(ctx, "tts-dial", e.connectSchedule, func(ctx context.Context) error {
		s, err := e.provider.Connect(ctx, tts.ConnectConfig{
			Model:      e.cfg.Model,
			Voice:      e.cfg.Voice,
			Language:   e.cfg.Language,
			SampleRate: upstreamRate,
		})
		if err != nil {
			c := fault.Classify(err)
			e.metrics.RecordProviderError(ctx, e.provider.Name(), c.Kind.String())
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// attach installs a freshly dialed stream and its connection-level error
// listener. That listener outlives individual synthesis cycles: it is how a
// mid-stream upstream drop is detected even between synthesize calls. Its id
// is kept so the teardown paths can pair the registration with a removal.
func (e *Engine) attach(stream tts.Stream) {
	id := stream.OnError(func(err error) { e.upstreamDown(err) })
	e.mu.Lock()
	e.stream = stream
	e.connListener = id
	e.connected = true
	e.mu.Unlock()
}

// upstreamDown marks the connection lost and starts a single reconnection.
// Concurrent calls while one reconnect is in flight are suppressed.
func (e *Engine) upstreamDown(cause error) {
	e.mu.Lock()
	if e.closed || e.reconnecting || !e.connected {
		e.mu.Unlock()
		return
	}
	e.connected = false
	e.reconnecting = true
	e.downSince = time.Now()
	old := e.stream
	listener := e.connListener
	e.mu.Unlock()

	kind := fault.Classify(cause).Kind
	slog.Warn("tts: upstream down, reconnecting",
		"session_id", e.sessionID, "kind", kind.String(), "error", cause)
	if old != nil {
		old.Off(listener)
		_ = old.Close()
	}
	e.metrics.UpstreamConnections.Add(context.Background(), -1, observe.WithAttr("engine", "tts"))

	e.wg.Add(1)
	go e.reconnect()
}

// reconnect dials a replacement stream and replays buffered text in
// insertion order.
func (e *Engine) reconnect() {
	defer e.wg.Done()
	ctx := context.Background()

	stream, err := e.dial(ctx)

	e.mu.Lock()
	e.reconnecting = false
	if e.closed {
		e.mu.Unlock()
		if err == nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		e.mu.Unlock()
		e.metrics.RecordReconnect(ctx, "tts", "exhausted")
		slog.Error("tts: reconnect failed, synthesis stopped",
			"session_id", e.sessionID, "error", err)

		kind := fault.Classify(err).Kind
		env, eerr := envelope.New(envelope.ErrorEventType(kind.String()), e.sessionID,
			envelope.ErrorPayload{Message: "speech synthesis unavailable"})
		if eerr == nil {
			e.hub.Send(e.sessionID, env)
		}
		return
	}
	e.downtime += time.Since(e.downSince)
	e.mu.Unlock()

	// The synthesis mutex is held for the whole replay, taken before the
	// stream goes live: a Synthesize call racing the flush bounces on
	// TryLock instead of overtaking or dropping buffered text.
	e.synthMu.Lock()
	defer e.synthMu.Unlock()

	e.attach(stream)

	e.mu.Lock()
	pending := e.buffer
	e.buffer = nil
	e.bufferBytes = 0
	e.mu.Unlock()

	e.metrics.UpstreamConnections.Add(ctx, 1, observe.WithAttr("engine", "tts"))
	e.metrics.RecordReconnect(ctx, "tts", "success")
	slog.Info("tts: upstream reconnected",
		"session_id", e.sessionID, "buffered", len(pending))

	for i, text := range pending {
		e.mu.Lock()
		cur, ok := e.stream, e.connected && !e.closed
		e.mu.Unlock()
		if !ok {
			// Dropped again mid-replay: push the remainder back in order
			// for the next reconnect.
			e.mu.Lock()
			if !e.closed {
				for _, t := range pending[i:] {
					e.bufferLocked(t)
				}
			}
			e.mu.Unlock()
			return
		}
		if _, err := e.synthesize(ctx, cur, text); err != nil {
			slog.Warn("tts: buffered text failed",
				"session_id", e.sessionID, "error", err)
		}
	}
}

// bufferLocked queues text for replay after reconnect, evicting oldest
// entries past the byte cap. Caller holds e.mu.
func (e *Engine) bufferLocked(text string) {
	e.buffer = append(e.buffer, text)
	e.bufferBytes += len(text)
	for e.bufferBytes > e.cfg.ReconnectBufferMaxBytes && len(e.buffer) > 1 {
		e.bufferBytes -= len(e.buffer[0])
		e.buffer = e.buffer[1:]
	}
	slog.Debug("tts: buffered text while disconnected",
		"session_id", e.sessionID, "buffered", len(e.buffer), "bytes", e.bufferBytes)
}

// keepAlive pings the upstream on a fixed interval while connected.
func (e *Engine) keepAlive() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-e.keepAliveStop:
			return
		case <-ticker.C:
			e.mu.Lock()
			stream, ok := e.stream, e.connected
			e.mu.Unlock()
			if !ok {
				continue
			}
			if err := stream.Ping(context.Background()); err != nil {
				slog.Debug("tts: keep-alive ping failed",
					"session_id", e.sessionID, "error", err)
			}
		}
	}
}
