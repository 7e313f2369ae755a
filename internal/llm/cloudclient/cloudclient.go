// Package cloudclient implements the Cloud Backend: a non-streaming
// wrapper over github.com/openai/openai-go/v3, grounded on Nox-HQ-nox's
// assist.OpenAIProvider (client construction via option.RequestOption,
// ChatCompletionNewParams, toOpenAIMessages union conversion).
package cloudclient

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"elidacore/internal/core"
	"elidacore/internal/llm"
)

// Config configures a Client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // non-empty to target an OpenAI-compatible gateway
	Timeout time.Duration
}

// Client is the Cloud Backend: it is never bound for a confidential
// decision (see llm.Router.Route), so it has no local-retention path.
type Client struct {
	client openai.Client
	model  string
}

// New builds a Client from Config.
func New(cfg Config) *Client {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &Client{client: openai.NewClient(opts...), model: model}
}

// ID implements llm.Backend.
func (c *Client) ID() core.BackendID { return core.BackendCloud }

// Healthy implements llm.Backend with a cheap models-list probe. The
// teacher's fail-safety semantics treat any transport failure here as
// "unhealthy", letting the Router fall back to Local.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.client.Models.List(ctx)
	return err == nil
}

// Generate implements llm.Backend. Streaming is accepted in opts but
// this reference implementation always returns a completed, buffered
// single-chunk Stream. When opts.CacheKey is set (the Context Cache
// Manager has registered this prompt prefix), it is forwarded as the
// request's prompt_cache_key so the provider routes repeated calls to
// the same cache partition; the resulting cached-token count comes back
// in the usage response's prompt_tokens_details.
func (c *Client) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (llm.Stream, *llm.Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.CacheKey != "" {
		params.PromptCacheKey = openai.String(opts.CacheKey)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, nil, core.NewError(core.BackendTimeout, "", "cloud backend generate failed", err)
	}
	if len(completion.Choices) == 0 {
		return nil, nil, core.NewError(core.BackendTimeout, "", "cloud backend returned no choices", errors.New("empty choices"))
	}

	usage := llm.Usage{
		PromptTokens:     completion.Usage.PromptTokens,
		CachedTokens:     completion.Usage.PromptTokensDetails.CachedTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}
	text := completion.Choices[0].Message.Content

	if opts.Streaming {
		return &bufferedStream{text: text, usage: usage}, nil, nil
	}
	return nil, &llm.Completion{Text: text, Usage: usage, CacheHit: usage.CachedTokens > 0, LLMUsed: core.BackendCloud}, nil
}

// bufferedStream adapts a single buffered completion to the Stream
// contract for callers that requested streaming; it yields the whole
// text as one delta then io.EOF, matching other_examples' fakeStream
// Recv()/io.EOF shape.
type bufferedStream struct {
	text  string
	usage llm.Usage
	sent  bool
}

func (s *bufferedStream) Recv() (llm.TextDelta, error) {
	if s.sent {
		return llm.TextDelta{}, io.EOF
	}
	s.sent = true
	return llm.TextDelta{Text: s.text, Done: true}, nil
}

func (s *bufferedStream) Usage() llm.Usage { return s.usage }
func (s *bufferedStream) Close() error     { return nil }

func toOpenAIMessages(msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case "system":
			out[i] = openai.SystemMessage(m.Text)
		case "assistant":
			out[i] = openai.AssistantMessage(m.Text)
		default:
			out[i] = openai.UserMessage(m.Text)
		}
	}
	return out
}
