// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs multi-context streaming WebSocket API. It implements the
// tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

const (
	endpointFmt       = "wss://api.elevenlabs.io/v1/text-to-speech/%s/multi-stream-input"
	defaultModel      = "eleven_flash_v2_5"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Used by tests to point
// the provider at a local fake; the voice id is not interpolated.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey   string
	endpoint string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindAuth, "elevenlabs: new", errors.New("apiKey must not be empty"))
	}
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "elevenlabs".
func (p *Provider) Name() string { return "elevenlabs" }

// Connect opens a multi-context synthesis WebSocket with ElevenLabs. Each
// utterance id maps onto one upstream context, so a single connection serves
// the whole session.
func (p *Provider) Connect(ctx context.Context, cfg tts.ConnectConfig) (tts.Stream, error) {
	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(endpointFmt, url.PathEscape(cfg.Voice.ID))
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fault.New(fault.KindFatal, "elevenlabs: endpoint", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	q := u.Query()
	q.Set("model_id", model)
	q.Set("output_format", fmt.Sprintf("pcm_%d", rate))
	if cfg.Language != "" {
		q.Set("language_code", cfg.Language)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("xi-api-key", p.apiKey)
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fault.FromStatus("elevenlabs: dial", resp.StatusCode, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.New(fault.KindTimeout, "elevenlabs: dial", err)
		}
		return nil, fault.New(fault.KindNetwork, "elevenlabs: dial", err)
	}

	st := &stream{
		conn:       conn,
		done:       make(chan struct{}),
		frameLs:    map[tts.ListenerID]func(tts.Frame){},
		completeLs: map[tts.ListenerID]func(string){},
		errorLs:    map[tts.ListenerID]func(error){},
	}

	st.wg.Add(1)
	go st.readLoop()

	return st, nil
}

// ---- wire types ----

// textMessage carries one text fragment for a synthesis context. Flush makes
// the server start generating without waiting for more text.
type textMessage struct {
	Text      string `json:"text"`
	ContextID string `json:"context_id"`
	Flush     bool   `json:"flush,omitempty"`
}

// contextControl closes one synthesis context; the server answers with a
// final message for that context.
type contextControl struct {
	ContextID    string `json:"context_id"`
	CloseContext bool   `json:"close_context"`
}

// serverMessage is the JSON structure of ElevenLabs server events.
type serverMessage struct {
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"isFinal"`
	ContextID string `json:"contextId"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// ---- stream ----

// stream is a live ElevenLabs synthesis connection. It implements tts.Stream.
type stream struct {
	conn *websocket.Conn

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

var errClosed = errors.New("elevenlabs: stream is closed")

// Send submits one text input for synthesis. The context is closed right
// after the text unless the input is a continuation, so the server emits a
// final marker per utterance. ElevenLabs expects fragments to end with a
// space.
func (s *stream) Send(ctx context.Context, in tts.Input) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}

	msg := textMessage{
		Text:      in.Text + " ",
		ContextID: in.UtteranceID,
		Flush:     true,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fault.New(fault.KindFatal, "elevenlabs: marshal request", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fault.New(fault.KindNetwork, "elevenlabs: send", err)
	}

	if in.Continuation {
		return nil
	}
	closeMsg, err := json.Marshal(contextControl{ContextID: in.UtteranceID, CloseContext: true})
	if err != nil {
		return fault.New(fault.KindFatal, "elevenlabs: marshal close", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, closeMsg); err != nil {
		return fault.New(fault.KindNetwork, "elevenlabs: close context", err)
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
		return fault.New(fault.KindNetwork, "elevenlabs: ping", err)
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
				s.dispatchError(fault.New(fault.KindNetwork, "elevenlabs: read", err))
			}
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(msg, &sm); err != nil {
			continue
		}

		if sm.Error != "" || (sm.Audio == "" && !sm.IsFinal && sm.Message != "") {
			s.dispatchError(fault.New(fault.KindTransient, "elevenlabs: server",
				fmt.Errorf("%s%s", sm.Error, sm.Message)))
			continue
		}
		if sm.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(sm.Audio)
			if err == nil && len(audio) > 0 {
				s.dispatchFrame(tts.Frame{Audio: audio, UtteranceID: sm.ContextID})
			}
		}
		if sm.IsFinal {
			s.dispatchComplete(sm.ContextID)
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
