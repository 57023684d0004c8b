// Package cartesia provides a Cartesia-backed TTS provider using the
// Cartesia streaming WebSocket API. It implements the tts.Provider interface.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

const (
	cartesiaEndpoint  = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion   = "2024-06-10"
	defaultModel      = "sonic-3"
	defaultSampleRate = 16000
	defaultLanguage   = "en"
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Used by tests to point
// the provider at a local fake.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the Cartesia streaming API.
type Provider struct {
	apiKey   string
	endpoint string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindAuth, "cartesia: new", errors.New("apiKey must not be empty"))
	}
	p := &Provider{apiKey: apiKey, endpoint: cartesiaEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "cartesia".
func (p *Provider) Name() string { return "cartesia" }

// Connect opens a synthesis WebSocket with Cartesia.
func (p *Provider) Connect(ctx context.Context, cfg tts.ConnectConfig) (tts.Stream, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fault.New(fault.KindFatal, "cartesia: endpoint", err)
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fault.FromStatus("cartesia: dial", resp.StatusCode, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.New(fault.KindTimeout, "cartesia: dial", err)
		}
		return nil, fault.New(fault.KindNetwork, "cartesia: dial", err)
	}

	st := &stream{
		conn:       conn,
		model:      valueOr(cfg.Model, defaultModel),
		voiceID:    cfg.Voice.ID,
		language:   valueOr(cfg.Language, defaultLanguage),
		sampleRate: cfg.SampleRate,
		done:       make(chan struct{}),
		frameLs:    map[tts.ListenerID]func(tts.Frame){},
		completeLs: map[tts.ListenerID]func(string){},
		errorLs:    map[tts.ListenerID]func(error){},
	}
	if st.sampleRate == 0 {
		st.sampleRate = defaultSampleRate
	}

	st.wg.Add(1)
	go st.readLoop()

	return st, nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ---- wire types ----

// synthesizeRequest is the JSON message sent for each text input.
type synthesizeRequest struct {
	ContextID    string       `json:"context_id"`
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Continue     bool         `json:"continue"`
	Language     string       `json:"language"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// serverMessage is the JSON structure of Cartesia server events.
type serverMessage struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// ---- stream ----

// stream is a live Cartesia synthesis connection. It implements tts.Stream.
type stream struct {
	conn       *websocket.Conn
	model      string
	voiceID    string
	language   string
	sampleRate int

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu         sync.Mutex
	nextID     tts.ListenerID
	frameLs    map[tts.ListenerID]func(tts.Frame)
	completeLs map[tts.ListenerID]func(string)
	errorLs    map[tts.ListenerID]func(error)
}

var _ tts.Stream = (*stream)(nil)

var errClosed = errors.New("cartesia: stream is closed")

// Send submits one text input for synthesis.
func (s *stream) Send(ctx context.Context, in tts.Input) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}

	req := synthesizeRequest{
		ContextID:  in.UtteranceID,
		ModelID:    s.model,
		Transcript: in.Text,
		Continue:   in.Continuation,
		Language:   s.language,
		Voice:      voiceSpec{Mode: "id", ID: s.voiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: s.sampleRate,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fault.New(fault.KindFatal, "cartesia: marshal request", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fault.New(fault.KindNetwork, "cartesia: send", err)
	}
	return nil
}

// OnFrame registers an audio frame listener.
func (s *stream) OnFrame(fn func(tts.Frame)) tts.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.frameLs[s.nextID] = fn
	return s.nextID
}

// OnComplete registers a completion listener.
func (s *stream) OnComplete(fn func(string)) tts.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.completeLs[s.nextID] = fn
	return s.nextID
}

// OnError registers an error listener.
func (s *stream) OnError(fn func(error)) tts.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.errorLs[s.nextID] = fn
	return s.nextID
}

// Off removes a listener of any kind. Unknown ids are ignored.
func (s *stream) Off(id tts.ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frameLs, id)
	delete(s.completeLs, id)
	delete(s.errorLs, id)
}

// ListenerCount returns the total number of registered listeners.
func (s *stream) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frameLs) + len(s.completeLs) + len(s.errorLs)
}

// Ping sends a WebSocket-level ping frame.
func (s *stream) Ping(ctx context.Context) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	if err := s.conn.Ping(ctx); err != nil {
		return fault.New(fault.KindNetwork, "cartesia: ping", err)
	}
	return nil
}

// Close terminates the stream. Safe to call more than once.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives server events and dispatches them to listeners.
// Listener callbacks run on this goroutine; they must not block.
func (s *stream) readLoop() {
	defer s.wg.Done()

	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				// Local close, not an upstream failure.
			default:
				s.dispatchError(fault.New(fault.KindNetwork, "cartesia: read", err))
			}
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(msg, &sm); err != nil {
			continue
		}

		switch sm.Type {
		case "chunk":
			audio, err := base64.StdEncoding.DecodeString(sm.Data)
			if err != nil || len(audio) == 0 {
				continue
			}
			s.dispatchFrame(tts.Frame{Audio: audio, UtteranceID: sm.ContextID})
		case "done":
			s.dispatchComplete(sm.ContextID)
		case "error":
			s.dispatchError(fault.New(fault.KindTransient, "cartesia: server", fmt.Errorf("%s", sm.Error)))
		default:
			// timestamps and other informational events are ignored.
		}
	}
}

func (s *stream) dispatchFrame(f tts.Frame) {
	s.mu.Lock()
	fns := make([]func(tts.Frame), 0, len(s.frameLs))
	for _, fn := range s.frameLs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (s *stream) dispatchComplete(utteranceID string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.completeLs))
	for _, fn := range s.completeLs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(utteranceID)
	}
}

func (s *stream) dispatchError(err error) {
	s.mu.Lock()
	fns := make([]func(error), 0, len(s.errorLs))
	for _, fn := range s.errorLs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
