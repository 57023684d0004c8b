// Package tts defines the Provider interface for streaming text-to-speech
// backends.
//
// A TTS provider wraps a speech synthesis service (e.g. Cartesia) and
// presents a uniform event-driven interface. The primary abstraction is
// Stream: a long-lived upstream connection that accepts text inputs tagged
// with an utterance id and emits audio frames, completion signals, and
// errors to registered listeners — enabling low-latency pipelining between
// LLM output and client playback.
//
// Implementations must be safe for concurrent use. Listener callbacks are
// invoked sequentially from the stream's read goroutine; handlers must not
// block.
package tts

import (
	"context"

	"github.com/voxbridge/voxbridge/pkg/types"
)

// ConnectConfig describes one synthesis connection.
type ConnectConfig struct {
	// Model is the provider model identifier (e.g. "sonic-3").
	Model string

	// Voice selects the synthesis voice.
	Voice types.VoiceProfile

	// Language is the BCP-47 language tag. Empty means provider default.
	Language string

	// SampleRate is the PCM output rate in Hz. Zero means 16000.
	SampleRate int
}

// Input is one piece of text submitted for synthesis.
type Input struct {
	// Text is the text to speak.
	Text string

	// UtteranceID correlates emitted frames with this input. Frames for
	// different utterances are never interleaved by the provider as long as
	// the caller serializes submissions.
	UtteranceID string

	// Continuation marks this input as a continuation of the current
	// utterance; prosody carries over on providers that support it.
	Continuation bool
}

// Frame is one chunk of synthesized audio.
type Frame struct {
	// Audio is raw PCM16 at the connection's sample rate.
	Audio []byte

	// UtteranceID identifies which input produced this frame.
	UtteranceID string
}

// ListenerID identifies a registered listener for later removal.
type ListenerID int64

// Stream is one live synthesis connection.
//
// Every On* registration must be paired with an Off call; the engine audits
// the listener count to detect leaks across synthesis cycles.
type Stream interface {
	// Send submits text for synthesis. It returns an error when the
	// connection is closed or the upstream rejects the input.
	Send(ctx context.Context, in Input) error

	// OnFrame registers a handler for synthesized audio frames.
	OnFrame(fn func(Frame)) ListenerID

	// OnComplete registers a handler invoked once per utterance when the
	// upstream signals that synthesis finished.
	OnComplete(fn func(utteranceID string)) ListenerID

	// OnError registers a handler for stream-level failures. After an error
	// the stream may still be usable if the underlying transport recovered;
	// callers decide based on the classified error.
	OnError(fn func(error)) ListenerID

	// Off removes a previously registered listener. Unknown ids are ignored,
	// so unconditional cleanup paths are safe.
	Off(id ListenerID)

	// ListenerCount returns the number of currently registered listeners
	// across all event kinds.
	ListenerCount() int

	// Ping sends a transport-level keep-alive probe.
	Ping(ctx context.Context) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over a streaming TTS backend.
//
// Connect errors are classified per pkg/provider/fault.
type Provider interface {
	// Connect opens a new synthesis stream. The returned stream is
	// independent of ctx after a successful return; ctx only bounds the dial.
	Connect(ctx context.Context, cfg ConnectConfig) (Stream, error)

	// Name returns the provider's stable identifier (e.g. "cartesia").
	Name() string
}
