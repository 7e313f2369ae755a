// Package llm implements the LLM Router and the Backend/Client/Stream
// contract every backend implementation satisfies. Grounded on the
// teacher's internal/router.Router.Select (ordered method list, first
// match wins) generalized from HTTP header/model/path selection to
// confidential/non-confidential backend selection.
package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"elidacore/internal/classify"
	"elidacore/internal/core"
)

// Message is one turn handed to a Backend.
type Message struct {
	Role string
	Text string
}

// GenerateOptions tunes a single Generate call.
type GenerateOptions struct {
	Streaming bool
	CacheKey  string
	MaxTokens int
}

// Usage mirrors a usage{prompt_tokens, cached_tokens,
// completion_tokens} shape; grounded on proxy.TokenUsage
// OpenAI/Anthropic/Ollama extraction shapes, generalized to a single
// backend-agnostic struct since this core's Backend implementations
// control their own response parsing.
type Usage struct {
	PromptTokens     int64
	CachedTokens     int64
	CompletionTokens int64
}

// TextDelta is one incremental chunk of a streamed completion.
type TextDelta struct {
	Text string
	Done bool
}

// Stream is a pull-based handle over a backend's streamed response,
// grounded on other_examples' fakeStream.Recv()/io.EOF shape.
type Stream interface {
	Recv() (TextDelta, error)
	Usage() Usage
	Close() error
}

// Completion is the non-streaming terminal result of a Generate call.
type Completion struct {
	Text     string
	Usage    Usage
	CacheHit bool
	LLMUsed  core.BackendID
}

// Backend is the contract every bound LLM client satisfies. Grounded on
// other_examples' frameworks/pkg/llm Provider shape (Complete/Stream).
type Backend interface {
	ID() core.BackendID
	Healthy(ctx context.Context) bool
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (Stream, *Completion, error)
}

// Client is an LLMClient handle: a backend bound to a specific route
// decision.
type Client struct {
	Backend      Backend
	Decision     classify.Decision
	FellBackFrom core.BackendID // zero value if no fallback occurred
}

// Generate is the client's single operation, delegating to the bound
// backend.
func (c Client) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (Stream, *Completion, error) {
	return c.Backend.Generate(ctx, messages, opts)
}

// routeCounters accumulates (reason, backend) routing telemetry.
// Exposed via Snapshot for internal/control to report without taking
// the lock itself.
type routeCounters struct {
	mu     sync.Mutex
	counts map[classify.Reason]map[core.BackendID]int64
}

func newRouteCounters() *routeCounters {
	return &routeCounters{counts: make(map[classify.Reason]map[core.BackendID]int64)}
}

func (c *routeCounters) incr(reason classify.Reason, backend core.BackendID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[reason] == nil {
		c.counts[reason] = make(map[core.BackendID]int64)
	}
	c.counts[reason][backend]++
}

// Snapshot returns a copy of the counters safe for the caller to read
// without racing further Route calls.
func (c *routeCounters) Snapshot() map[classify.Reason]map[core.BackendID]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[classify.Reason]map[core.BackendID]int64, len(c.counts))
	for reason, byBackend := range c.counts {
		cp := make(map[core.BackendID]int64, len(byBackend))
		for b, n := range byBackend {
			cp[b] = n
		}
		out[reason] = cp
	}
	return out
}

// Router hands the caller a Client bound to the correct backend, per
// a binary selection rule and fail-safety matrix.
type Router struct {
	local    Backend
	cloud    Backend
	counters *routeCounters
}

// NewRouter builds a Router over the two fixed backends. There is no
// third path: every decision resolves to exactly one of these.
func NewRouter(local, cloud Backend) *Router {
	return &Router{local: local, cloud: cloud, counters: newRouteCounters()}
}

// ErrConfidentialBackendUnavailable is wrapped into a *core.Error by
// Route; kept distinct here so callers that only care about the kind can
// match with core.KindOf.
var ErrConfidentialBackendUnavailable = errors.New("local backend unavailable for a confidential decision")

// Route implements the selection and fail-safety rules: confidential=true
// always binds Local, and never falls back to Cloud on
// Local's failure. confidential=false binds Cloud, falling back to Local
// only if Cloud is unhealthy; fallback is silent so as not to tempt a
// caller to retry with different routing.
func (r *Router) Route(ctx context.Context, decision classify.Decision, runID string) (Client, error) {
	if decision.Confidential {
		if !r.local.Healthy(ctx) {
			r.counters.incr(decision.Reason, core.BackendLocal)
			return Client{}, core.NewError(
				core.ConfidentialBackendUnavailable, runID,
				"local backend is unavailable for a confidential decision",
				ErrConfidentialBackendUnavailable,
			)
		}
		r.counters.incr(decision.Reason, core.BackendLocal)
		return Client{Backend: r.local, Decision: decision}, nil
	}

	if r.cloud.Healthy(ctx) {
		r.counters.incr(decision.Reason, core.BackendCloud)
		return Client{Backend: r.cloud, Decision: decision}, nil
	}

	slog.Warn("cloud backend unhealthy, falling back to local",
		"reason", decision.Reason, "run_id", runID)
	r.counters.incr(decision.Reason, core.BackendLocal)
	return Client{Backend: r.local, Decision: decision, FellBackFrom: core.BackendCloud}, nil
}

// Counters exposes the route telemetry snapshot for internal/control.
func (r *Router) Counters() map[classify.Reason]map[core.BackendID]int64 {
	return r.counters.Snapshot()
}

// ErrStreamClosed is returned by Recv once a Stream has been fully
// consumed and Close'd.
var ErrStreamClosed = io.EOF
