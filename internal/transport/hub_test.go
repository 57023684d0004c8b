package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/voxbridge/voxbridge/internal/envelope"
)

// fakeConn records frames and can be made slow or failing.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	delay    time.Duration
	closed   bool
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func mustEnv(t *testing.T, eventType, sessionID string, payload any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventType, sessionID, payload)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHub_SendDeliversInOrder(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{}
	h.Register("s1", conn)
	defer h.Remove("s1")

	for i := 0; i < 10; i++ {
		ok := h.Send("s1", mustEnv(t, envelope.EventTranscriptFinal, "s1", envelope.TranscriptPayload{Text: "t", Timestamp: int64(i)}))
		if !ok {
			t.Fatalf("Send %d = false", i)
		}
	}

	waitFor(t, func() bool { return conn.frameCount() == 10 }, "frames not delivered")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, data := range conn.frames {
		env, err := envelope.Decode(data)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var p envelope.TranscriptPayload
		if err := envelope.DecodePayload(env, &p); err != nil {
			t.Fatalf("frame %d payload: %v", i, err)
		}
		if p.Timestamp != int64(i) {
			t.Fatalf("frame %d out of order: timestamp %d", i, p.Timestamp)
		}
	}
}

func TestHub_SendUnknownSession(t *testing.T) {
	h := NewHub()
	if h.Send("nope", mustEnv(t, envelope.EventTranscriptFinal, "nope", envelope.TranscriptPayload{})) {
		t.Fatal("Send to unknown session must return false")
	}
}

func TestHub_SendAfterClose(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{}
	h.Register("s1", conn)
	h.Close("s1", websocket.StatusNormalClosure, "bye")

	if h.Send("s1", mustEnv(t, envelope.EventTranscriptFinal, "s1", envelope.TranscriptPayload{})) {
		t.Fatal("Send after Close must return false")
	}
	if !conn.isClosed() {
		t.Fatal("underlying connection not closed")
	}
	if h.Count() != 0 {
		t.Fatalf("Count = %d, want 0", h.Count())
	}
}

func TestHub_DropOldestAudioUnderBackpressure(t *testing.T) {
	h := NewHub(WithQueueSize(4))
	// A stalled writer keeps everything in the queue.
	conn := &fakeConn{delay: time.Hour}
	h.Register("s1", conn)
	defer h.Remove("s1")

	for i := 0; i < 20; i++ {
		ok := h.Send("s1", mustEnv(t, envelope.EventAudioOutputChunk, "s1", envelope.OutputChunkPayload{
			UtteranceID: "u1",
			Audio:       []byte{byte(i)},
			SampleRate:  16000,
		}))
		if !ok {
			t.Fatalf("droppable Send %d = false, want true (shed, not fail)", i)
		}
	}

	if h.Dropped("s1") == 0 {
		t.Fatal("expected dropped frames under back-pressure")
	}
}

func TestHub_ControlFramesNotDropped(t *testing.T) {
	h := NewHub(WithQueueSize(2))
	conn := &fakeConn{}
	h.Register("s1", conn)
	defer h.Remove("s1")

	// Control frames block instead of shedding; with a live writer they all
	// arrive.
	for i := 0; i < 50; i++ {
		if !h.Send("s1", mustEnv(t, envelope.EventTranscriptInterim, "s1", envelope.TranscriptPayload{Timestamp: int64(i)})) {
			t.Fatalf("control Send %d = false", i)
		}
	}
	waitFor(t, func() bool { return conn.frameCount() == 50 }, "control frames lost")
	if h.Dropped("s1") != 0 {
		t.Fatalf("Dropped = %d, want 0 for control frames", h.Dropped("s1"))
	}
}

func TestHub_WriterStopsOnWriteError(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	h.Register("s1", conn)

	h.Send("s1", mustEnv(t, envelope.EventTranscriptFinal, "s1", envelope.TranscriptPayload{}))

	// After the write fails, the client shuts down and Send reports false.
	waitFor(t, func() bool {
		return !h.Send("s1", mustEnv(t, envelope.EventTranscriptFinal, "s1", envelope.TranscriptPayload{}))
	}, "Send kept succeeding after write failure")
	if !conn.isClosed() {
		t.Fatal("connection not closed after write failure")
	}
}

func TestHub_RegisterReplacesConnection(t *testing.T) {
	h := NewHub()
	old := &fakeConn{}
	h.Register("s1", old)
	replacement := &fakeConn{}
	h.Register("s1", replacement)
	defer h.Remove("s1")

	if !old.isClosed() {
		t.Fatal("old connection not closed on replacement")
	}
	if h.Count() != 1 {
		t.Fatalf("Count = %d, want 1", h.Count())
	}
	if !h.Send("s1", mustEnv(t, envelope.EventTranscriptFinal, "s1", envelope.TranscriptPayload{})) {
		t.Fatal("Send to replacement failed")
	}
	waitFor(t, func() bool { return replacement.frameCount() == 1 }, "replacement never received frame")
}
