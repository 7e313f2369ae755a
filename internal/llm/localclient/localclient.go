// Package localclient implements the Local Backend: a thin HTTP client
// against an on-premises, Ollama-shaped /api/generate endpoint, paced
// with golang.org/x/time/rate so this core never floods an on-prem LLM
// server beyond its configured concurrency. Grounded on
// internal/proxy.TokenUsage Ollama-format parsing (prompt_eval_count /
// eval_count) and internal/router.Backend's http.Transport tuning.
package localclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"elidacore/internal/core"
	"elidacore/internal/llm"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Model   string
	// RequestsPerSecond bounds how often this client issues requests
	// against the local backend; Burst allows short bursts above that
	// steady rate. Both map directly onto rate.NewLimiter.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client is the Local Backend.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	model      string
}

// New builds a Client from Config.
func New(cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
	}
}

// ID implements llm.Backend.
func (c *Client) ID() core.BackendID { return core.BackendLocal }

// Healthy implements llm.Backend with a cheap root-endpoint probe.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

// Generate implements llm.Backend. It waits on the rate limiter before
// issuing the HTTP call so a confidential-decision request never jumps
// the configured concurrency budget for the on-prem server.
func (c *Client) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (llm.Stream, *llm.Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, core.NewError(core.BackendTimeout, "", "local backend rate limiter wait failed", err)
	}

	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: flatten(messages),
		Stream: false,
	})
	if err != nil {
		return nil, nil, core.NewError(core.MalformedInput, "", "failed to encode local backend request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, nil, core.NewError(core.BackendTimeout, "", "failed to build local backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, core.NewError(core.ConfidentialBackendUnavailable, "", "local backend request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, nil, core.NewError(core.ConfidentialBackendUnavailable, "", fmt.Sprintf("local backend returned %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, core.NewError(core.BackendTimeout, "", "failed to read local backend response", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, core.NewError(core.MalformedInput, "", "failed to decode local backend response", err)
	}

	usage := llm.Usage{
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
	}
	return nil, &llm.Completion{
		Text:    parsed.Response,
		Usage:   usage,
		LLMUsed: core.BackendLocal,
	}, nil
}

func flatten(messages []llm.Message) string {
	var b bytes.Buffer
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}
