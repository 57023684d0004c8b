package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	llmmock "github.com/voxbridge/voxbridge/pkg/provider/llm/mock"
	"github.com/voxbridge/voxbridge/pkg/types"
)

func newTestFallback(primary *llmmock.Provider, fallbacks ...*llmmock.Provider) *LLMFallback {
	cfg := FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}}
	fb := NewLLMFallback(primary, "primary", cfg)
	for i, p := range fallbacks {
		fb.AddFallback("fallback-"+string(rune('a'+i)), p)
	}
	return fb
}

// drain collects a completion stream into its concatenated text and chunk count.
func drain(ch <-chan llm.Chunk) (text string, n int) {
	for c := range ch {
		text += c.Text
		n++
	}
	return text, n
}

func TestLLMFallback_PrimaryStreams(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "hel"}, {Text: "lo", FinishReason: "stop"}}}
	backup := &llmmock.Provider{}
	fb := newTestFallback(primary, backup)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	text, _ := drain(ch)
	if text != "hello" {
		t.Fatalf("streamed %q, want hello", text)
	}
	if got := primary.CallCount(); got != 1 {
		t.Fatalf("primary saw %d calls, want 1", got)
	}
	if got := backup.CallCount(); got != 0 {
		t.Fatalf("backup saw %d calls, want none", got)
	}
}

func TestLLMFallback_FailsOverToBackup(t *testing.T) {
	fb := newTestFallback(
		&llmmock.Provider{StreamErr: errors.New("rate limited")},
		&llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "a"}, {Text: "b", FinishReason: "stop"}}},
	)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if text, n := drain(ch); text != "ab" || n != 2 {
		t.Fatalf("streamed %q in %d chunks, want %q in 2", text, n, "ab")
	}
}

func TestLLMFallback_EveryProviderDown(t *testing.T) {
	fb := newTestFallback(
		&llmmock.Provider{StreamErr: errors.New("primary down")},
		&llmmock.Provider{StreamErr: errors.New("backup down")},
	)

	if _, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_CapabilitiesComeFromPrimary(t *testing.T) {
	fb := newTestFallback(&llmmock.Provider{
		Caps: types.ModelCapabilities{ContextWindow: 128_000, SupportsStreaming: true},
	})

	caps := fb.Capabilities()
	if caps.ContextWindow != 128_000 || !caps.SupportsStreaming {
		t.Fatalf("Capabilities = %+v, want the primary's", caps)
	}
}

func TestLLMFallback_NameIsPrimaryName(t *testing.T) {
	fb := newTestFallback(&llmmock.Provider{})
	if got := fb.Name(); got != "primary" {
		t.Fatalf("Name = %q", got)
	}
}
