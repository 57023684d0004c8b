// Package anyllm adapts github.com/mozilla-ai/any-llm-go to the llm.Provider
// interface, giving access to every backend that library supports (OpenAI,
// Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp, llamafile)
// through a single constructor:
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.NewGroq("llama-3.3-70b-versatile")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// backends maps a lowercase provider name to its any-llm-go constructor.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(opts...) },
	"anthropic": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(opts...) },
	"gemini":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(opts...) },
	"ollama":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(opts...) },
	"deepseek":  func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(opts...) },
	"mistral":   func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(opts...) },
	"groq":      func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(opts...) },
	"llamacpp":  func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(opts...) },
	"llamafile": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(opts...) },
}

func supportedBackends() string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Provider wraps one any-llm-go backend as an llm.Provider.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the named backend and model. opts are passed
// through to any-llm-go (anyllmlib.WithAPIKey, anyllmlib.WithBaseURL, ...);
// when no key option is given the backend reads its usual environment
// variable, ANTHROPIC_API_KEY for Anthropic and so on.
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fault.New(fault.KindFatal, "anyllm: new", errors.New("providerName must not be empty"))
	}
	if model == "" {
		return nil, fault.New(fault.KindFatal, "anyllm: new", errors.New("model must not be empty"))
	}

	name := strings.ToLower(providerName)
	construct, ok := backends[name]
	if !ok {
		return nil, fault.New(fault.KindFatal, fmt.Sprintf("anyllm: create %q backend", providerName),
			fmt.Errorf("unsupported provider %q; supported: %s", providerName, supportedBackends()))
	}

	backend, err := construct(opts...)
	if err != nil {
		return nil, fault.New(fault.KindFatal, fmt.Sprintf("anyllm: create %q backend", providerName), err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// NewAnthropic is shorthand for New("anthropic", ...). Without options the
// backend reads ANTHROPIC_API_KEY.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewGroq is shorthand for New("groq", ...). Without options the backend
// reads GROQ_API_KEY.
func NewGroq(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("groq", model, opts...)
}

// NewOllama is shorthand for New("ollama", ...). Without options the backend
// connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// Name returns the lowercase backend name, e.g. "anthropic".
func (p *Provider) Name() string { return p.name }

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindFatal, "anyllm: stream", errors.New("messages must not be empty"))
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan llm.Chunk, 32)

	// Forward backend chunks, then report any backend error as a terminal
	// chunk. The error channel is read only after the chunk channel is
	// drained, matching any-llm-go's contract.
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			select {
			case ch <- llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{
				FinishReason: llm.FinishError,
				Err:          fault.New(fault.KindTransient, "anyllm: stream", err),
			}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// buildParams converts a CompletionRequest into any-llm-go CompletionParams.
// Zero-valued tuning fields stay nil so the backend applies its defaults.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// capsRule maps a model-name fragment to its context window and output cap.
type capsRule struct {
	prefix   string
	contains bool
	window   int
	output   int
}

// capsRules is checked in order; the first match wins, so more specific
// fragments come before their family prefix.
var capsRules = []capsRule{
	{prefix: "gpt-4o", window: 128_000, output: 16_384},
	{prefix: "gpt-4", window: 8_192, output: 4_096},
	{prefix: "o1", window: 200_000, output: 100_000},
	{prefix: "o3", window: 200_000, output: 100_000},
	{prefix: "claude", window: 200_000, output: 8_192},
	{prefix: "gemini-1.5-pro", contains: true, window: 2_097_152, output: 8_192},
	{prefix: "gemini", window: 1_048_576, output: 8_192},
}

// modelCapabilities covers the OpenAI, Anthropic, and Gemini families;
// unknown models get conservative defaults.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsStreaming: true,
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
	}

	lower := strings.ToLower(model)
	for _, rule := range capsRules {
		matched := strings.HasPrefix(lower, rule.prefix)
		if rule.contains {
			matched = strings.Contains(lower, rule.prefix)
		}
		if matched {
			caps.ContextWindow = rule.window
			caps.MaxOutputTokens = rule.output
			break
		}
	}
	return caps
}
