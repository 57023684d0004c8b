// Package deepgram implements stt.Provider on top of the Deepgram streaming
// WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3" or "base".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 recognition language. A per-stream
// language in stt.StreamConfig takes precedence.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint URL. Used by tests to point
// the provider at a local fake.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider is a Deepgram-backed stt.Provider.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindAuth, "deepgram: new", errors.New("apiKey must not be empty"))
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "deepgram".
func (p *Provider) Name() string { return "deepgram" }

// StartStream dials the streaming endpoint and returns a live session. The
// dial error is classified: an HTTP response maps by status code, otherwise
// timeout and network kinds are distinguished.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fault.New(fault.KindFatal, "deepgram: build URL", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	switch {
	case err == nil:
	case resp != nil:
		return nil, fault.FromStatus("deepgram: dial", resp.StatusCode, err)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fault.New(fault.KindTimeout, "deepgram: dial", err)
	default:
		return nil, fault.New(fault.KindNetwork, "deepgram: dial", err)
	}

	sess := &session{
		conn:        conn,
		transcripts: make(chan types.Transcript, 64),
		outbound:    make(chan []byte, 256),
		closed:      make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.receive(ctx)
	go sess.transmit(ctx)
	return sess, nil
}

// buildURL assembles the endpoint URL with the stream's query parameters.
// Audio is always mono linear16; sample rate and language fall back to the
// provider defaults when the config leaves them zero.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	u.RawQuery = url.Values{
		"model":           {p.model},
		"language":        {lang},
		"encoding":        {"linear16"},
		"channels":        {"1"},
		"smart_format":    {"true"},
		"interim_results": {strconv.FormatBool(cfg.InterimResults)},
		"sample_rate":     {strconv.Itoa(sr)},
	}.Encode()
	return u.String(), nil
}

// session is one live transcription stream.
type session struct {
	conn        *websocket.Conn
	transcripts chan types.Transcript
	outbound    chan []byte

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

var errClosed = errors.New("deepgram: session is closed")

// SendAudio queues one PCM chunk for transmission.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}
	select {
	case s.outbound <- chunk:
		return nil
	case <-s.closed:
		return errClosed
	}
}

// Transcripts returns the channel of interim and final transcripts.
func (s *session) Transcripts() <-chan types.Transcript { return s.transcripts }

// Close shuts the session down. The CloseStream message makes Deepgram flush
// buffered audio into a last final result before the socket closes.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// transmit forwards queued audio chunks as binary frames. On shutdown it
// drains whatever is already queued so the final flush covers it.
func (s *session) transmit(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.outbound:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.closed:
			for {
				select {
				case chunk := <-s.outbound:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// receive reads server messages and forwards parsed transcripts.
func (s *session) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.transcripts)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.transcripts <- t:
		case <-s.closed:
			// Finals still matter during shutdown: the accumulated
			// transcript depends on the flush result.
			if t.IsFinal {
				select {
				case s.transcripts <- t:
				default:
				}
			}
		}
	}
}

// resultsMessage mirrors the fields we read from a Deepgram Results event.
type resultsMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse converts a raw server message into a Transcript.
// Non-Results messages and messages without alternatives report ok=false.
func parseDeepgramResponse(data []byte) (types.Transcript, bool) {
	var msg resultsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Transcript{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}

	best := msg.Channel.Alternatives[0]
	return types.Transcript{
		Text:       best.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: best.Confidence,
		Timestamp:  time.Duration(msg.Start * float64(time.Second)),
		Duration:   time.Duration(msg.Duration * float64(time.Second)),
	}, true
}
