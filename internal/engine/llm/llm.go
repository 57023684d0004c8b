// Package llm drives response generation for one session.
//
// The Engine serializes a session's conversation turns: user utterances
// queue FIFO, one model stream runs at a time, and streamed tokens are split
// into speakable chunks that go to synthesis as they complete. When the
// model fails the engine degrades through a three-tier ladder of canned
// spoken responses instead of going silent, and the third tier asks the
// owner to wind the session down.
package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// Canned responses spoken when generation fails, by consecutive-failure tier.
const (
	fallbackTier1 = "I apologize, can you repeat that?"
	fallbackTier2 = "I'm experiencing technical difficulties. Please hold."
	fallbackTier3 = "I apologize, I'm having connection issues. I'll have someone call you back."
)

// Synthesizer speaks one piece of text, blocking until its audio has been
// fully generated. The tts engine implements it.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// Config tunes a session's response generation.
type Config struct {
	// SystemPrompt is pinned as the first history message.
	SystemPrompt string

	// MaxMessages caps history length; oldest non-system messages are pruned
	// beyond it. Default: 50.
	MaxMessages int

	// Temperature is the sampling temperature. Default: 0.7.
	Temperature float64

	// MaxTokens caps response length. Default: 500.
	MaxTokens int

	// BreakMarker and MaxBufferSize configure the chunker.
	BreakMarker   string
	MaxBufferSize int
}

// Engine generates and speaks responses for a single session. Safe for
// concurrent use; turns are processed strictly one at a time.
type Engine struct {
	sessionID string
	provider  llm.Provider
	synth     Synthesizer
	metrics   *observe.Metrics
	cfg       Config
	onGiveUp  func()

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	history    []types.Message
	queue      []string
	processing bool
	tier       int
	closed     bool

	wg sync.WaitGroup
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithMetrics attaches a metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithGiveUpHandler registers the hook invoked once the third fallback tier
// is spoken. The owner should end the session gracefully after the audio
// drains.
func WithGiveUpHandler(fn func()) Option {
	return func(e *Engine) { e.onGiveUp = fn }
}

// New creates an Engine for one session.
func New(sessionID string, provider llm.Provider, synth Synthesizer, cfg Config, opts ...Option) *Engine {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sessionID: sessionID,
		provider:  provider,
		synth:     synth,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.SystemPrompt != "" {
		e.history = append(e.history, types.Message{Role: types.RoleSystem, Content: cfg.SystemPrompt})
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// HandleUtterance queues one final user transcript for processing. If no
// turn is in flight, processing starts immediately; otherwise the utterance
// waits its turn. Never blocks.
func (e *Engine) HandleUtterance(text string) {
	if text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, text)
	if !e.processing {
		e.processing = true
		e.wg.Add(1)
		go e.run()
	}
}

// History returns a snapshot of the conversation history.
func (e *Engine) History() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Message, len(e.history))
	copy(out, e.history)
	return out
}

// QueueLen returns the number of utterances waiting behind the active turn.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close stops processing: the active stream is cancelled and queued
// utterances are dropped. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	e.mu.Unlock()
	e.cancel()
}

// Wait blocks until the processing goroutine exits. Test hook.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run drains the utterance queue one turn at a time.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if e.closed || len(e.queue) == 0 {
			e.processing = false
			e.mu.Unlock()
			return
		}
		text := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.processTurn(text)
	}
}

// processTurn runs one utterance through the model and speaks the response.
func (e *Engine) processTurn(text string) {
	e.mu.Lock()
	e.appendLocked(types.Message{Role: types.RoleUser, Content: text})
	msgs := make([]types.Message, len(e.history))
	copy(msgs, e.history)
	e.mu.Unlock()

	start := time.Now()
	stream, err := e.provider.StreamCompletion(e.ctx, llm.CompletionRequest{
		Messages:    msgs,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		e.fail(err)
		return
	}

	chunker := NewChunker(e.cfg.BreakMarker, e.cfg.MaxBufferSize)
	var full []byte
	for chunk := range stream {
		if chunk.FinishReason == llm.FinishError {
			e.fail(chunk.Err)
			return
		}
		full = append(full, chunk.Text...)
		for _, speakable := range chunker.Feed(chunk.Text) {
			if err := e.speak(speakable); err != nil {
				return
			}
		}
	}
	if rest := chunker.Flush(); rest != "" {
		if err := e.speak(rest); err != nil {
			return
		}
	}
	if n := chunker.ForceFlushes(); n > 0 {
		e.metrics.ChunkerForceFlushes.Add(e.ctx, int64(n))
	}
	e.metrics.LLMDuration.Record(e.ctx, time.Since(start).Seconds())

	// The full response enters history before the next queued turn starts,
	// so a follow-up request sees it.
	e.mu.Lock()
	if len(full) > 0 {
		e.appendLocked(types.Message{Role: types.RoleAssistant, Content: string(full)})
	}
	e.tier = 0
	e.mu.Unlock()
}

// speak hands one chunk to synthesis. Synthesis runs sequentially: the call
// returns when the chunk's audio is done, keeping playback ordered.
func (e *Engine) speak(text string) error {
	if err := e.synth.Speak(e.ctx, text); err != nil {
		slog.Warn("llm: synthesis failed for chunk",
			"session_id", e.sessionID, "error", err)
		return err
	}
	return nil
}

// fail advances the fallback ladder and speaks the tier's canned response.
// The canned text bypasses the chunker, is spoken as one utterance, and is
// recorded in history so the model stays consistent with what the caller
// actually heard. Tier three additionally signals the give-up hook.
func (e *Engine) fail(cause error) {
	e.mu.Lock()
	if e.tier < 3 {
		e.tier++
	}
	tier := e.tier
	e.mu.Unlock()

	kind := fault.Classify(cause).Kind
	e.metrics.RecordProviderError(e.ctx, e.provider.Name(), kind.String())
	e.metrics.RecordFallback(e.ctx, tier)
	slog.Error("llm: generation failed, speaking fallback",
		"session_id", e.sessionID, "tier", tier, "kind", kind.String(), "error", cause)

	var text string
	switch tier {
	case 1:
		text = fallbackTier1
	case 2:
		text = fallbackTier2
	default:
		text = fallbackTier3
	}

	_ = e.speak(text)

	e.mu.Lock()
	e.appendLocked(types.Message{Role: types.RoleAssistant, Content: text})
	e.mu.Unlock()

	if tier >= 3 && e.onGiveUp != nil {
		e.onGiveUp()
	}
}

// appendLocked adds a message and prunes history to MaxMessages, keeping the
// system prompt pinned at index zero. Caller holds e.mu.
func (e *Engine) appendLocked(m types.Message) {
	e.history = append(e.history, m)
	if len(e.history) <= e.cfg.MaxMessages {
		return
	}
	excess := len(e.history) - e.cfg.MaxMessages
	if len(e.history) > 0 && e.history[0].Role == types.RoleSystem {
		// Drop the oldest non-system messages.
		e.history = append(e.history[:1], e.history[1+excess:]...)
	} else {
		e.history = e.history[excess:]
	}
}
