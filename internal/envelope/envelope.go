// Package envelope defines the client wire protocol.
//
// Every frame exchanged with a client is a JSON-encoded Envelope carried in
// a WebSocket binary message: an event type, a time-ordered 128-bit event
// id, the session id, and an event-specific payload. Event ids are UUIDv7,
// so sorting frames by id reproduces emission order.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Client → server event types.
const (
	EventAudioInputStart = "audio.input.start"
	EventAudioInputChunk = "audio.input.chunk"
	EventAudioInputEnd   = "audio.input.end"
)

// Server → client event types.
const (
	EventConnectionAck       = "connection.lifecycle.ack"
	EventTranscriptInterim   = "transcript.interim"
	EventTranscriptFinal     = "transcript.final"
	EventAudioOutputStart    = "audio.output.start"
	EventAudioOutputChunk    = "audio.output.chunk"
	EventAudioOutputComplete = "audio.output.complete"

	// errorPrefix starts every error event type; the suffix is the
	// lower-cased error kind (e.g. "error.system.auth").
	errorPrefix = "error.system."
)

// Envelope is one protocol frame.
type Envelope struct {
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// NewID returns a fresh time-ordered id. UUIDv7 embeds a millisecond
// timestamp in the most significant bits, so lexicographic order follows
// creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New builds an envelope with a fresh event id and the marshalled payload.
func New(eventType, sessionID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventType: eventType,
		EventID:   NewID(),
		SessionID: sessionID,
		Payload:   raw,
	}, nil
}

// Encode serializes the envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame. It validates the fields every frame must
// carry; payload validation is event-specific and left to the caller.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope: decode: missing eventType")
	}
	return env, nil
}

// DecodePayload unmarshals env.Payload into out.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("envelope: %s: empty payload", env.EventType)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("envelope: %s: payload: %w", env.EventType, err)
	}
	return nil
}

// ErrorEventType builds the event type for an error of the given kind
// (e.g. kind "RATE_LIMIT" → "error.system.rate_limit").
func ErrorEventType(kind string) string {
	return errorPrefix + strings.ToLower(kind)
}

// IsError reports whether eventType names an error frame.
func IsError(eventType string) bool {
	return strings.HasPrefix(eventType, errorPrefix)
}

// Droppable reports whether frames of this type may be shed under
// back-pressure. Only synthesized audio chunks are droppable; transcripts
// and control frames must always reach the client.
func Droppable(eventType string) bool {
	return eventType == EventAudioOutputChunk
}

// ---- payloads ----

// AckPayload confirms session establishment. Sent exactly once per
// connection, before any other server frame.
type AckPayload struct {
	SessionID string `json:"sessionId"`
}

// InputStartPayload opens the audio pipeline for a session.
type InputStartPayload struct {
	SamplingRate int    `json:"samplingRate"`
	Language     string `json:"language"`
	VoiceID      string `json:"voiceId,omitempty"`
}

// Validate checks the constraints the protocol places on input.start.
func (p InputStartPayload) Validate() error {
	switch p.SamplingRate {
	case 8000, 16000, 48000:
	default:
		return fmt.Errorf("envelope: samplingRate %d not in {8000, 16000, 48000}", p.SamplingRate)
	}
	if p.Language == "" {
		return fmt.Errorf("envelope: language must not be empty")
	}
	return nil
}

// InputChunkPayload carries one client audio chunk. Audio is PCM16LE,
// base64-encoded by encoding/json.
type InputChunkPayload struct {
	Audio []byte `json:"audio"`
}

// TranscriptPayload carries an interim or final transcript; the event type
// distinguishes the two.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	// Timestamp is milliseconds from session start.
	Timestamp int64 `json:"timestamp"`
}

// OutputStartPayload precedes the first audio chunk of each synthesis.
type OutputStartPayload struct {
	UtteranceID string `json:"utteranceId"`
}

// OutputChunkPayload carries one synthesized audio chunk.
type OutputChunkPayload struct {
	Audio       []byte `json:"audio"`
	UtteranceID string `json:"utteranceId"`
	SampleRate  int    `json:"sampleRate"`
}

// OutputCompletePayload closes one synthesis; exactly one per start.
type OutputCompletePayload struct {
	UtteranceID string `json:"utteranceId"`
}

// ErrorPayload describes a failure surfaced to the client.
type ErrorPayload struct {
	Message string `json:"message"`
	// RequestEventType names the client event that triggered the failure,
	// empty for spontaneous errors.
	RequestEventType string `json:"requestEventType,omitempty"`
}
