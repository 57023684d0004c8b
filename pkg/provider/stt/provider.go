// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g. Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio chunks and
// emits a single stream of Transcript values — low-latency interims for
// responsiveness and authoritative finals for accumulation.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output run on independent goroutines; the transcript channel is closed by
// the implementation when the stream ends, fails, or is closed locally.
package stt

import (
	"context"

	"github.com/voxbridge/voxbridge/pkg/types"
)

// StreamConfig describes one transcription stream.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz of the audio this stream will
	// carry. Zero means the provider default (16000).
	SampleRate int

	// Language is the BCP-47 language tag (e.g. "en", "de-DE"). Empty means
	// the provider default.
	Language string

	// InterimResults requests partial transcripts in addition to finals.
	InterimResults bool
}

// SessionHandle is one live transcription stream.
//
// Callers push raw PCM with SendAudio and drain Transcripts until it closes.
// After Close, SendAudio returns an error and Transcripts closes once any
// buffered results are delivered.
type SessionHandle interface {
	// SendAudio queues a PCM16 chunk for delivery upstream. It blocks only
	// when the internal send buffer is full; it returns an error once the
	// session is closed or the upstream connection is lost.
	SendAudio(chunk []byte) error

	// Transcripts returns the stream of interim and final transcripts.
	// The channel is closed when the session ends for any reason.
	Transcripts() <-chan types.Transcript

	// Close flushes pending audio, asks the upstream to finalize, and tears
	// the connection down. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over a streaming STT backend.
//
// StartStream errors are classified per pkg/provider/fault so callers can
// distinguish credential failures from transient network conditions.
type Provider interface {
	// StartStream opens a new transcription stream. The returned handle is
	// independent of ctx after a successful return; ctx only bounds the dial.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Name returns the provider's stable identifier (e.g. "deepgram").
	Name() string
}
