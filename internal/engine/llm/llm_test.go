package llm

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	llmapi "github.com/voxbridge/voxbridge/pkg/provider/llm"
	llmmock "github.com/voxbridge/voxbridge/pkg/provider/llm/mock"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// fakeSynth records spoken text in order.
type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSynth) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, text)
	return nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		idle := !e.processing
		e.mu.Unlock()
		if idle {
			e.Wait()
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleUtterance_SpeaksChunksInOrder(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llmapi.Chunk{
		{Text: "Hello there!"},
		{Text: "||BREAK||How can"},
		{Text: " I help you today?"},
		{FinishReason: "stop"},
	}}
	synth := &fakeSynth{}
	e := New("s1", p, synth, Config{SystemPrompt: "Be brief."})

	e.HandleUtterance("hi")
	waitIdle(t, e)

	want := []string{"Hello there!", "How can I help you today?"}
	if got := synth.spoken(); !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken = %v, want %v", got, want)
	}

	h := e.History()
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3: %+v", len(h), h)
	}
	if h[0].Role != types.RoleSystem || h[1].Role != types.RoleUser || h[2].Role != types.RoleAssistant {
		t.Fatalf("history roles wrong: %+v", h)
	}
	if h[2].Content != "Hello there!||BREAK||How can I help you today?" {
		t.Fatalf("assistant content = %q", h[2].Content)
	}

	req := p.LastRequest()
	if req.Temperature != 0.7 || req.MaxTokens != 500 {
		t.Fatalf("request sampling = %v/%d", req.Temperature, req.MaxTokens)
	}
}

func TestHandleUtterance_QueuesWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	p := &llmmock.Provider{}
	p.StreamFunc = func(ctx context.Context, req llmapi.CompletionRequest) (<-chan llmapi.Chunk, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		ch := make(chan llmapi.Chunk, 2)
		go func() {
			defer close(ch)
			if n == 1 {
				<-release
			}
			ch <- llmapi.Chunk{Text: "reply"}
			ch <- llmapi.Chunk{FinishReason: "stop"}
		}()
		return ch, nil
	}
	synth := &fakeSynth{}
	e := New("s1", p, synth, Config{})

	e.HandleUtterance("first")
	e.HandleUtterance("second")

	if got := e.QueueLen(); got != 1 {
		t.Fatalf("QueueLen = %d, want 1 while first turn is in flight", got)
	}
	close(release)
	waitIdle(t, e)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("stream calls = %d, want 2", calls)
	}

	// The second turn's request must include the first turn's reply.
	req := p.LastRequest()
	var sawAssistant bool
	for _, m := range req.Messages {
		if m.Role == types.RoleAssistant && m.Content == "reply" {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Fatalf("second request missing first assistant reply: %+v", req.Messages)
	}
}

func TestFallback_TiersEscalateAndGiveUp(t *testing.T) {
	boom := fault.New(fault.KindNetwork, "stream", errors.New("down"))
	p := &llmmock.Provider{StreamErr: boom}
	synth := &fakeSynth{}
	var gaveUp bool
	e := New("s1", p, synth, Config{}, WithGiveUpHandler(func() { gaveUp = true }))

	for i := 0; i < 3; i++ {
		e.HandleUtterance("hello?")
		waitIdle(t, e)
	}

	want := []string{
		"I apologize, can you repeat that?",
		"I'm experiencing technical difficulties. Please hold.",
		"I apologize, I'm having connection issues. I'll have someone call you back.",
	}
	if got := synth.spoken(); !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken = %v, want %v", got, want)
	}
	if !gaveUp {
		t.Fatal("give-up hook not invoked at tier 3")
	}

	// Canned responses are part of the conversation record.
	h := e.History()
	if h[len(h)-1].Content != want[2] || h[len(h)-1].Role != types.RoleAssistant {
		t.Fatalf("history tail = %+v", h[len(h)-1])
	}
}

func TestFallback_TierResetsOnSuccess(t *testing.T) {
	boom := fault.New(fault.KindTransient, "stream", errors.New("blip"))
	p := &llmmock.Provider{
		StreamErrs:   []error{boom, nil, boom},
		StreamChunks: []llmapi.Chunk{{Text: "ok"}, {FinishReason: "stop"}},
	}
	synth := &fakeSynth{}
	e := New("s1", p, synth, Config{})

	for _, u := range []string{"one", "two", "three"} {
		e.HandleUtterance(u)
		waitIdle(t, e)
	}

	// Failure, success, failure: the second failure is tier 1 again, not 2.
	want := []string{
		"I apologize, can you repeat that?",
		"ok",
		"I apologize, can you repeat that?",
	}
	if got := synth.spoken(); !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken = %v, want %v", got, want)
	}
}

func TestFallback_MidStreamError(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llmapi.Chunk{
		{Text: "partial answ"},
		{FinishReason: llmapi.FinishError, Err: fault.New(fault.KindTimeout, "stream", errors.New("stalled"))},
	}}
	synth := &fakeSynth{}
	e := New("s1", p, synth, Config{})

	e.HandleUtterance("hi")
	waitIdle(t, e)

	want := []string{"I apologize, can you repeat that?"}
	if got := synth.spoken(); !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken = %v, want %v", got, want)
	}
}

func TestHistory_PrunesOldestKeepingSystemPinned(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llmapi.Chunk{
		{Text: "r"}, {FinishReason: "stop"},
	}}
	synth := &fakeSynth{}
	e := New("s1", p, synth, Config{SystemPrompt: "sys", MaxMessages: 5})

	for i := 0; i < 4; i++ {
		e.HandleUtterance("u")
		waitIdle(t, e)
	}

	h := e.History()
	if len(h) != 5 {
		t.Fatalf("history len = %d, want 5", len(h))
	}
	if h[0].Role != types.RoleSystem || h[0].Content != "sys" {
		t.Fatalf("system prompt not pinned: %+v", h[0])
	}
	for _, m := range h[1:] {
		if m.Role == types.RoleSystem {
			t.Fatalf("unexpected extra system message: %+v", h)
		}
	}
}

func TestClose_DropsQueueAndStopsProcessing(t *testing.T) {
	release := make(chan struct{})
	p := &llmmock.Provider{}
	p.StreamFunc = func(ctx context.Context, req llmapi.CompletionRequest) (<-chan llmapi.Chunk, error) {
		ch := make(chan llmapi.Chunk)
		go func() {
			defer close(ch)
			select {
			case <-release:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
	synth := &fakeSynth{}
	e := New("s1", p, synth, Config{})

	e.HandleUtterance("first")
	e.HandleUtterance("queued")
	e.Close()
	close(release)
	waitIdle(t, e)

	if got := e.QueueLen(); got != 0 {
		t.Fatalf("QueueLen = %d, want 0 after Close", got)
	}
	e.HandleUtterance("after close")
	if got := e.QueueLen(); got != 0 {
		t.Fatal("closed engine accepted an utterance")
	}
}
