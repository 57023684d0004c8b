package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/engine/stt"
	"github.com/voxbridge/voxbridge/internal/engine/tts"
	"github.com/voxbridge/voxbridge/internal/envelope"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/orchestrator"
	"github.com/voxbridge/voxbridge/internal/registry"
	"github.com/voxbridge/voxbridge/internal/transport"
	llmapi "github.com/voxbridge/voxbridge/pkg/provider/llm"
	llmmock "github.com/voxbridge/voxbridge/pkg/provider/llm/mock"
	sttmock "github.com/voxbridge/voxbridge/pkg/provider/stt/mock"
	ttsapi "github.com/voxbridge/voxbridge/pkg/provider/tts"
	ttsmock "github.com/voxbridge/voxbridge/pkg/provider/tts/mock"
	"github.com/voxbridge/voxbridge/pkg/types"
)

func newTestServer(t *testing.T, sttP *sttmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider, checkers ...health.Checker) (*orchestrator.Orchestrator, *httptest.Server) {
	t.Helper()
	hub := transport.NewHub()
	o := orchestrator.New(hub, sttP, llmP, ttsP, orchestrator.Config{
		TeardownTimeout: time.Second,
	},
		orchestrator.WithSTTOptions(stt.WithSchedules(
			[]time.Duration{0, time.Millisecond},
			[]time.Duration{0, time.Millisecond},
		)),
		orchestrator.WithTTSOptions(tts.WithConnectSchedule([]time.Duration{0, time.Millisecond})),
	)
	srv := New(config.ServerConfig{}, o, health.New(checkers...))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o, ts
}

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	c.SetReadLimit(1 << 20)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "test done") })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

// readAck consumes the first frame and returns the minted session id.
func readAck(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	env := readFrame(t, c)
	if env.EventType != envelope.EventConnectionAck {
		t.Fatalf("first frame = %s, want %s", env.EventType, envelope.EventConnectionAck)
	}
	var p envelope.AckPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if p.SessionID == "" {
		t.Fatal("ack carries empty session id")
	}
	return p.SessionID
}

func sendFrame(t *testing.T, c *websocket.Conn, eventType, sessionID string, payload any) {
	t.Helper()
	env, err := envelope.New(eventType, sessionID, payload)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	data, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("envelope.Encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readUntil reads frames until one of eventType arrives, returning every
// frame seen along the way.
func readUntil(t *testing.T, c *websocket.Conn, eventType string) []envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var seen []envelope.Envelope
	for time.Now().Before(deadline) {
		env := readFrame(t, c)
		seen = append(seen, env)
		if env.EventType == eventType {
			return seen
		}
	}
	t.Fatalf("never saw %s; got %d frames", eventType, len(seen))
	return nil
}

func TestStream_AckIsFirstFrame(t *testing.T) {
	o, ts := newTestServer(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialStream(t, ts)

	id := readAck(t, c)
	if _, ok := o.Registry().Get(id); !ok {
		t.Fatalf("session %s not in registry", id)
	}
}

func TestStream_FullTurnOverWebSocket(t *testing.T) {
	sess := sttmock.NewSession()
	sttP := &sttmock.Provider{Session: sess}

	pcm := bytes.Repeat([]byte{0x01, 0x00}, 800)
	stream := ttsmock.NewStream()
	stream.OnSend = func(in ttsapi.Input) {
		stream.EmitFrame(ttsapi.Frame{Audio: pcm, UtteranceID: in.UtteranceID})
		stream.EmitComplete(in.UtteranceID)
	}
	ttsP := &ttsmock.Provider{Stream: stream}

	llmP := &llmmock.Provider{StreamChunks: []llmapi.Chunk{
		{Text: "Hi there!"},
		{FinishReason: "stop"},
	}}

	_, ts := newTestServer(t, sttP, llmP, ttsP)
	c := dialStream(t, ts)
	id := readAck(t, c)

	sendFrame(t, c, envelope.EventAudioInputStart, id, envelope.InputStartPayload{
		SamplingRate: 16000,
		Language:     "en-US",
	})

	// Chunks sent before the upstream dial completes are dropped; keep
	// sending until one lands, the way a live client streams continuously.
	chunk := bytes.Repeat([]byte{0x02, 0x00}, 800)
	deadline := time.Now().Add(2 * time.Second)
	for sess.SendAudioCallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio never reached STT")
		}
		sendFrame(t, c, envelope.EventAudioInputChunk, id, envelope.InputChunkPayload{Audio: chunk})
		time.Sleep(5 * time.Millisecond)
	}

	sess.Emit(types.Transcript{Text: "Hello there.", IsFinal: true, Confidence: 0.97})
	frames := readUntil(t, c, envelope.EventTranscriptFinal)
	var tp envelope.TranscriptPayload
	if err := envelope.DecodePayload(frames[len(frames)-1], &tp); err != nil {
		t.Fatalf("transcript payload: %v", err)
	}
	if tp.Text != "Hello there." {
		t.Fatalf("transcript = %q", tp.Text)
	}

	sendFrame(t, c, envelope.EventAudioInputEnd, id, struct{}{})
	frames = readUntil(t, c, envelope.EventAudioOutputComplete)

	var sawStart, sawChunk bool
	for _, env := range frames {
		switch env.EventType {
		case envelope.EventAudioOutputStart:
			sawStart = true
		case envelope.EventAudioOutputChunk:
			sawChunk = true
			var cp envelope.OutputChunkPayload
			if err := envelope.DecodePayload(env, &cp); err != nil {
				t.Fatalf("chunk payload: %v", err)
			}
			if cp.SampleRate != 16000 || len(cp.Audio) != len(pcm) {
				t.Fatalf("chunk rate/bytes = %d/%d, want 16000/%d", cp.SampleRate, len(cp.Audio), len(pcm))
			}
		}
	}
	if !sawStart || !sawChunk {
		t.Fatalf("incomplete output sequence: start=%v chunk=%v", sawStart, sawChunk)
	}
}

func TestStream_MalformedFrameKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialStream(t, ts)
	id := readAck(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The connection survives: a later invalid start still gets its error
	// frame back on the same socket.
	sendFrame(t, c, envelope.EventAudioInputStart, id, envelope.InputStartPayload{
		SamplingRate: 44100,
		Language:     "en-US",
	})
	readUntil(t, c, "error.system.fatal")
}

func TestStream_ForeignSessionFrameDropped(t *testing.T) {
	o, ts := newTestServer(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialStream(t, ts)
	id := readAck(t, c)

	sendFrame(t, c, envelope.EventAudioInputStart, "someone-else", envelope.InputStartPayload{
		SamplingRate: 16000,
		Language:     "en-US",
	})

	time.Sleep(50 * time.Millisecond)
	s, ok := o.Registry().Get(id)
	if !ok {
		t.Fatal("session vanished")
	}
	if s.State() != registry.StateIdle {
		t.Fatalf("session state = %v after foreign frame, want IDLE", s.State())
	}
}

func TestStream_DisconnectEndsSession(t *testing.T) {
	o, ts := newTestServer(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialStream(t, ts)
	readAck(t, c)

	if err := c.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d after disconnect, want 0", o.Registry().Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	_, ts := newTestServer(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}
}

func TestReadyz_FailsAtSessionCapacity(t *testing.T) {
	var o *orchestrator.Orchestrator
	o, ts := newTestServer(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{},
		health.SessionCapacityChecker(func() int { return o.Registry().Count() }, 1))

	resp, err := ts.Client().Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status = %d with no sessions", resp.StatusCode)
	}

	c := dialStream(t, ts)
	readAck(t, c)

	resp, err = ts.Client().Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d at capacity, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	_, ts := newTestServer(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
}
