// Package openai provides an LLM provider backed by the OpenAI API.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxbridge/voxbridge/pkg/provider/fault"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindAuth, "openai: new", errors.New("apiKey must not be empty"))
	}
	if model == "" {
		return nil, fault.New(fault.KindFatal, "openai: new", errors.New("model must not be empty"))
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindFatal, "openai: stream", errors.New("messages must not be empty"))
	}
	params := p.buildParams(req)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classify("openai: start stream", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
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

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishError, Err: classify("openai: stream", err)}:
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

// classify maps an OpenAI SDK error to the shared taxonomy using the HTTP
// status when available.
func classify(op string, err error) *fault.Error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		fe := fault.FromStatus(op, apiErr.StatusCode, err)
		if fe.Kind == fault.KindRateLimit {
			if ra := apiErr.Response.Header.Get("Retry-After"); ra != "" {
				if d, perr := time.ParseDuration(ra + "s"); perr == nil {
					return fault.RateLimited(op, d, err)
				}
			}
		}
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.KindTimeout, op, err)
	}
	return fault.New(fault.KindNetwork, op, err)
}

// capsRule maps a model-name prefix to its context window and output cap.
// Rules are checked in order, so "gpt-4-turbo" sits before the "gpt-4"
// family prefix.
type capsRule struct {
	prefix string
	window int
	output int
}

var capsRules = []capsRule{
	{prefix: "gpt-4o", window: 128_000, output: 16_384},
	{prefix: "gpt-4-turbo", window: 128_000, output: 4_096},
	{prefix: "gpt-4", window: 8_192, output: 4_096},
	{prefix: "gpt-3.5-turbo", window: 16_385, output: 4_096},
	{prefix: "o1", window: 200_000, output: 100_000},
	{prefix: "o3", window: 200_000, output: 100_000},
}

// modelCapabilities covers known OpenAI model families; unknown models get
// conservative defaults.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsStreaming: true,
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
	}

	lower := strings.ToLower(model)
	for _, rule := range capsRules {
		if strings.HasPrefix(lower, rule.prefix) {
			caps.ContextWindow = rule.window
			caps.MaxOutputTokens = rule.output
			break
		}
	}
	return caps
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	return params
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
// Unknown roles degrade to user messages rather than failing the request.
func convertMessage(m types.Message) oai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content)
	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(m.Content)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	default:
		return oai.UserMessage(m.Content)
	}
}
