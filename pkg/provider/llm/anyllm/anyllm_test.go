package anyllm

import (
	"context"
	"errors"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/types"
)

func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindFatal {
		t.Fatalf("err = %v, want FATAL classification", err)
	}
}

func TestNew_NormalizesName(t *testing.T) {
	p, err := New("Anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewGroq", func() (*Provider, error) {
			return NewGroq("llama-3.3-70b-versatile", anyllmlib.WithAPIKey("gsk-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("expected non-nil provider")
			}
		})
	}
}

func TestStreamCompletion_EmptyMessages(t *testing.T) {
	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	_, err = p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error for empty messages")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindFatal {
		t.Fatalf("err = %v, want FATAL classification", err)
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-sonnet-latest"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "Be brief."},
			{Role: types.RoleUser, Content: "Hi"},
		},
		Temperature: 0.5,
		MaxTokens:   200,
	})

	if params.Model != "claude-3-5-sonnet-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != "system" || params.Messages[0].Content != "Be brief." {
		t.Errorf("first message = %+v", params.Messages[0])
	}
	if params.Temperature == nil || *params.Temperature != 0.5 {
		t.Errorf("temperature not set: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 200 {
		t.Errorf("max tokens not set: %v", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hi"}},
	})
	if params.Temperature != nil {
		t.Error("zero temperature should be omitted")
	}
	if params.MaxTokens != nil {
		t.Error("zero max tokens should be omitted")
	}
}

func TestModelCapabilities_Families(t *testing.T) {
	tests := []struct {
		model   string
		context int
		output  int
	}{
		{"gpt-4o", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"o1", 200_000, 100_000},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"claude-future-model", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
	}
	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.context {
			t.Errorf("%s: ContextWindow = %d, want %d", tt.model, caps.ContextWindow, tt.context)
		}
		if caps.MaxOutputTokens != tt.output {
			t.Errorf("%s: MaxOutputTokens = %d, want %d", tt.model, caps.MaxOutputTokens, tt.output)
		}
	}
}

func TestModelCapabilities_Unknown(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 {
		t.Error("unknown model: expected positive ContextWindow")
	}
	if caps.MaxOutputTokens <= 0 {
		t.Error("unknown model: expected positive MaxOutputTokens")
	}
	if !caps.SupportsStreaming {
		t.Error("unknown model: expected SupportsStreaming=true")
	}
}

func TestCapabilities_UsesConfiguredModel(t *testing.T) {
	p := &Provider{model: "claude-3-5-sonnet-latest"}
	if got := p.Capabilities().ContextWindow; got != 200_000 {
		t.Errorf("ContextWindow = %d, want 200000", got)
	}
}
