// Package synthesis implements the Synthesis Engine: a map-reduce pass
// over a retrieval result too broad for a single Answering-stage call.
// Grounded on plugin.Host.InvokeAll (golang.org/x/sync/errgroup
// with a concurrency limit, per-call failures recorded rather than aborting
// the group), adapted from "plugin call" to "map call over a chunk group" and
// from diagnostics to a degraded-result count.
package synthesis

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"elidacore/internal/classify"
	"elidacore/internal/core"
	"elidacore/internal/llm"
)

// Group is one map-phase unit of work: at most MAP_GROUP_SIZE chunks,
// confidential if any member chunk is.
type Group struct {
	Chunks       []core.ScoredChunk
	Confidential bool
}

// PartialSummary is one successful map call's output.
type PartialSummary struct {
	GroupIndex int
	Text       string
}

// Result is the Synthesis Engine's terminal payload.
type Result struct {
	Text          string
	LLMUsed       core.BackendID
	GroupCount    int
	MissingGroups int
}

// Deps are the collaborators a synthesis run needs.
type Deps struct {
	Router      *llm.Router
	Concurrency int // bound on simultaneous map calls, default 4
}

func (d Deps) withDefaults() Deps {
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	return d
}

// Engine runs the map-reduce synthesis pass.
type Engine struct {
	deps Deps
}

// New builds an Engine.
func New(deps Deps) *Engine {
	return &Engine{deps: deps.withDefaults()}
}

// Partition splits chunks into groups of at most groupSize, each group's
// confidentiality the OR of its member chunks' buckets: a group that
// contains one confidential chunk is a confidential group for the
// purposes of its map call too.
func Partition(chunks []core.ScoredChunk, groupSize int) []Group {
	if groupSize <= 0 {
		groupSize = 10
	}
	var groups []Group
	for start := 0; start < len(chunks); start += groupSize {
		end := start + groupSize
		if end > len(chunks) {
			end = len(chunks)
		}
		members := chunks[start:end]
		g := Group{Chunks: members}
		for _, c := range members {
			if c.Bucket == core.BucketConfidential {
				g.Confidential = true
				break
			}
		}
		groups = append(groups, g)
	}
	return groups
}

// Synthesize runs the full map-reduce pass: one map call per group
// (bounded concurrency, failures collected rather than propagated), then
// a single reduce call over the surviving partial summaries. If any group
// was confidential the reduce call is pinned to LocalBackend regardless of
// which backend individual map calls used. Returns core.SynthesisDegraded
// if fewer than half the map calls succeeded.
func (e *Engine) Synthesize(ctx context.Context, run *core.AgentRun, principal core.Principal, subQuestions []string, groups []Group) (*Result, error) {
	if len(groups) == 0 {
		return nil, core.NewError(core.MalformedInput, run.ID, "synthesis requires at least one chunk group", nil)
	}

	partials := make([]*PartialSummary, len(groups))
	anyConfidential := false
	for _, g := range groups {
		if g.Confidential {
			anyConfidential = true
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.deps.Concurrency)

	var mu sync.Mutex
	var failures int

	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			summary, err := e.mapOne(gCtx, run, principal, subQuestions, group)
			if err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				return nil // collected, not propagated: partial failure is tolerated.
			}
			partials[i] = summary
			return nil
		})
	}
	// Map-phase failures never return a non-nil error to g.Go, so Wait
	// itself never fails; cancellation is read from ctx instead.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.Cancelled, run.ID, "synthesis cancelled", err)
	}

	succeeded := len(groups) - failures
	if succeeded*2 < len(groups) {
		return nil, core.NewError(
			core.SynthesisDegraded, run.ID,
			fmt.Sprintf("only %d of %d synthesis map calls succeeded", succeeded, len(groups)), nil,
		)
	}

	decision := classify.Decision{Confidential: anyConfidential, Reason: classify.ReasonChunkFromConfidentialBucket}
	if !anyConfidential {
		decision = classify.Decision{Confidential: false, Reason: classify.ReasonNoSignal}
	}

	text, llmUsed, err := e.reduce(ctx, run, principal, subQuestions, partials, decision)
	if err != nil {
		return nil, err
	}

	return &Result{
		Text:          text,
		LLMUsed:       llmUsed,
		GroupCount:    len(groups),
		MissingGroups: failures,
	}, nil
}

func (e *Engine) mapOne(ctx context.Context, run *core.AgentRun, principal core.Principal, subQuestions []string, group Group) (*PartialSummary, error) {
	decision := classify.Decision{Confidential: group.Confidential}
	if group.Confidential {
		decision.Reason = classify.ReasonChunkFromConfidentialBucket
	} else {
		decision.Reason = classify.ReasonNoSignal
	}

	client, err := e.deps.Router.Route(ctx, decision, run.ID)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: "system", Text: "Summarize the supplied passages as they relate to the research sub-questions. Be terse and structured."},
		{Role: "user", Text: buildMapPrompt(subQuestions, group)},
	}
	_, completion, err := client.Generate(ctx, messages, llm.GenerateOptions{})
	if err != nil {
		return nil, err
	}
	return &PartialSummary{Text: completion.Text}, nil
}

func (e *Engine) reduce(ctx context.Context, run *core.AgentRun, principal core.Principal, subQuestions []string, partials []*PartialSummary, decision classify.Decision) (string, core.BackendID, error) {
	client, err := e.deps.Router.Route(ctx, decision, run.ID)
	if err != nil {
		return "", "", err
	}

	messages := []llm.Message{
		{Role: "system", Text: "Merge the partial summaries below into one coherent, cited answer."},
		{Role: "user", Text: buildReducePrompt(subQuestions, partials)},
	}
	_, completion, err := client.Generate(ctx, messages, llm.GenerateOptions{})
	if err != nil {
		return "", "", err
	}
	return completion.Text, client.Backend.ID(), nil
}

func buildMapPrompt(subQuestions []string, group Group) string {
	var b []byte
	for _, q := range subQuestions {
		b = append(b, "question: "+q+"\n"...)
	}
	for _, c := range group.Chunks {
		b = append(b, "passage["+c.Chunk.ID+"]: "+c.Chunk.Text+"\n"...)
	}
	return string(b)
}

func buildReducePrompt(subQuestions []string, partials []*PartialSummary) string {
	var b []byte
	for _, q := range subQuestions {
		b = append(b, "question: "+q+"\n"...)
	}
	for i, p := range partials {
		if p == nil {
			continue
		}
		b = append(b, fmt.Sprintf("summary[%d]: %s\n", i, p.Text)...)
	}
	return string(b)
}
