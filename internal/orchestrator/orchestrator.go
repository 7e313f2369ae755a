// Package orchestrator implements the Agent Orchestrator: the
// clarifying/researching/verifying/answering state machine. Grounded on
// internal/session.Session and internal/session.Manager (State enum with
// monotone transitions, killChan cancellation, Manager.Run background
// sweep), generalized from session-lifecycle states to agent-run states
// and from a single killChan per session to a context.Context
// cancellation chain, since a run's cancellation must reach into an
// in-flight LLM HTTP call.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"elidacore/internal/audit"
	"elidacore/internal/cache"
	"elidacore/internal/classify"
	"elidacore/internal/core"
	"elidacore/internal/llm"
	"elidacore/internal/retrieval"
	"elidacore/internal/synthesis"
	"elidacore/internal/telemetry"
)

// EventType names a point in a run's lifecycle the caller can observe.
type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageDelta     EventType = "stage_delta"
	EventStageCompleted EventType = "stage_completed"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventRunCancelled   EventType = "run_cancelled"
)

// Citation is one (document_id, chunk_id, snippet) reference backing a
// claim in the final answer.
type Citation struct {
	DocumentID string
	ChunkID    string
	Snippet    string
}

// Result is the orchestrator's terminal payload for a successful run.
type Result struct {
	Text         string
	Citations    []Citation
	LLMUsed      core.BackendID
	CacheHit     bool
	CachedTokens int64
	Insufficient bool
}

// Event is one element of a run's streamed event sequence. Exactly one
// of Delta, Summary, Result, Err is meaningful, depending on Type.
type Event struct {
	RunID     string
	Type      EventType
	Stage     core.AgentState
	Delta     string
	Summary   string
	Result    *Result
	Err       error
	EmittedAt time.Time
}

// ClarifyOutcome is the Clarifier stage's terminal result: either a
// follow-up question for the caller, or a research plan.
type ClarifyOutcome struct {
	FollowUp     string
	SubQuestions []string
}

func (o ClarifyOutcome) isPlan() bool { return o.FollowUp == "" }

// Deps are the collaborators a Run needs at each stage.
type Deps struct {
	Classifier *classify.Oracle
	Router     *llm.Router
	Retriever  retrieval.Retriever
	Audit      *audit.Sink

	// Cache is consulted by the Answering stage's single-call path for
	// non-confidential runs whose prompt prefix is large enough to be
	// worth registering with the Cloud Backend. Nil disables caching
	// entirely; the answer is still generated, just never cached.
	Cache *cache.Manager

	// Telemetry receives a stage span for clarifying, verifying and
	// answering (researching opens none), one span per LLM call, one
	// span per cache build, and the route-decision event the Classification
	// Oracle's PII signal depends on. Never nil after withDefaults: a
	// noop provider stands in when tracing is disabled.
	Telemetry *telemetry.Provider

	// Synthesis is consulted by the Answering stage whenever a retrieval
	// result is too broad for a single Generate call (more than
	// MapGroupSize chunks). Nil disables the map-reduce path entirely,
	// falling back to the single-call path regardless of chunk count.
	Synthesis *synthesis.Engine

	MaxClarifyRounds int           // CLARIFY_MAX_ROUNDS, default 3
	MaxChunks        int           // researching cap, default 50
	MapGroupSize     int           // MAP_GROUP_SIZE, default 10
	CacheTTL         time.Duration // CACHE_TTL_SECONDS, default 15m
	CacheMinChars    int           // prompt prefixes shorter than this are never cached, default 2000
}

func (d Deps) withDefaults() Deps {
	if d.MaxClarifyRounds <= 0 {
		d.MaxClarifyRounds = 3
	}
	if d.MaxChunks <= 0 {
		d.MaxChunks = 50
	}
	if d.MapGroupSize <= 0 {
		d.MapGroupSize = 10
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = 15 * time.Minute
	}
	if d.CacheMinChars <= 0 {
		d.CacheMinChars = 2000
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.NoopProvider()
	}
	return d
}

// Orchestrator runs agent runs bounded by a process-wide semaphore sized
// for the LLM backends' concurrency limits.
type Orchestrator struct {
	deps  Deps
	sem   chan struct{}
	store *RunStore
}

// New builds an Orchestrator. maxConcurrentRuns is MAX_CONCURRENT_RUNS.
func New(deps Deps, maxConcurrentRuns int) *Orchestrator {
	if maxConcurrentRuns <= 0 {
		maxConcurrentRuns = 8
	}
	return &Orchestrator{
		deps:  deps.withDefaults(),
		sem:   make(chan struct{}, maxConcurrentRuns),
		store: NewRunStore(),
	}
}

// Lookup retrieves an in-flight Run by id (a run leaves the store once
// its terminal event has been emitted), for
// internal/control and internal/streamapi to attach a second consumer to
// Run.Events() or to call SubmitClarification/Cancel from an HTTP/WS
// handler that only has the run id.
func (o *Orchestrator) Lookup(id string) (*Run, bool) { return o.store.Get(id) }

// ListRuns returns runs matching filter (nil matches every tracked run),
// for the control API's listing endpoint.
func (o *Orchestrator) ListRuns(filter func(*Run) bool) []*Run { return o.store.List(filter) }

// RunStore is an in-memory index of runs by id, grounded on
// internal/session.MemoryStore (mutex-protected map, Get/Put/Delete/List)
// and generalized from Session to Run.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunStore builds an empty RunStore.
func NewRunStore() *RunStore { return &RunStore{runs: make(map[string]*Run)} }

// Get retrieves a run by id.
func (s *RunStore) Get(id string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

// Put registers a run.
func (s *RunStore) Put(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
}

// Delete removes a run, called once its terminal event has been emitted.
func (s *RunStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
}

// List returns every run matching filter; filter == nil matches all.
func (s *RunStore) List(filter func(*Run) bool) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, r := range s.runs {
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	}
	return out
}

// ActiveFilter matches runs that have not yet reached a terminal state.
func ActiveFilter(r *Run) bool {
	switch r.State() {
	case core.StateDone, core.StateFailed, core.StateCancelled:
		return false
	default:
		return true
	}
}

// Run is one end-to-end execution of the state machine for a single
// query. Its mutable state (current AgentState) is protected by a
// mutex, mirroring a Session.SetState/GetState pattern.
type Run struct {
	ID        string
	Query     string
	Principal core.Principal

	mu           sync.Mutex
	state        core.AgentState
	confidential bool

	events    chan Event
	followUps chan string
	cancel    context.CancelFunc
}

// State returns the run's current state.
func (r *Run) State() core.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s core.AgentState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Confidential reports whether any classification decision made so far
// during this run found confidential signal. Sticky for the run's
// lifetime: once a query or retrieval result trips the Classification
// Oracle, the run is treated as confidential for audit/listing purposes
// even if a later stage's decision would not have tripped it alone.
func (r *Run) Confidential() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confidential
}

func (r *Run) markConfidential(confidential bool) {
	if !confidential {
		return
	}
	r.mu.Lock()
	r.confidential = true
	r.mu.Unlock()
}

// Events returns the run's event stream. It is closed when the run
// reaches done, failed, or cancelled.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel requests cancellation of the run. Safe to call multiple times.
func (r *Run) Cancel() { r.cancel() }

// SubmitClarification supplies the caller's answer to an outstanding
// FollowUpQuestion, unblocking the clarifying stage's re-entry. It is a
// no-op once the run has left the clarifying stage.
func (r *Run) SubmitClarification(answer string) {
	select {
	case r.followUps <- answer:
	default:
	}
}

// StartRun begins a new run and returns immediately; the caller consumes
// Run.Events() for progress. Blocks only long enough to acquire a slot
// in the process-wide concurrency semaphore, honoring ctx cancellation
// while waiting.
func (o *Orchestrator) StartRun(ctx context.Context, principal core.Principal, query string) (*Run, error) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, core.NewError(core.Cancelled, "", "cancelled while waiting for a run slot", ctx.Err())
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:        uuid.NewString(),
		Query:     query,
		Principal: principal,
		state:     core.StateClarifying,
		events:    make(chan Event, 16),
		followUps: make(chan string, 1),
		cancel:    cancel,
	}

	o.store.Put(run)
	go o.execute(runCtx, run)
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run) {
	defer func() { <-o.sem }()
	defer close(run.events)
	defer o.store.Delete(run.ID)

	ctx, runSpan := o.deps.Telemetry.StartRunSpan(ctx, run.ID)
	defer runSpan.End()

	plan, decision, err := o.runClarifying(ctx, run)
	if err != nil {
		o.fail(run, core.StateClarifying, err)
		return
	}

	chunks, err := o.runResearching(ctx, run, plan)
	if err != nil {
		o.fail(run, core.StateResearching, err)
		return
	}

	// The single CONFIDENTIAL_ACCESSED audit record for this run: written
	// the moment a confidential chunk is known, before either Verifying or
	// Answering route to a backend, so the record survives a subsequent
	// backend failure.
	if chunks.HasConfidential() {
		run.markConfidential(true)
		o.deps.Audit.RecordConfidentialAccess(ctx, run.Principal.ID, run.ID,
			chunks.ConfidentialDocumentIDs(), string(classify.ReasonChunkFromConfidentialBucket))
	}

	insufficient := len(chunks.Chunks) == 0
	if !insufficient {
		decision, err = o.runVerifying(ctx, run, chunks)
		if err != nil {
			o.fail(run, core.StateVerifying, err)
			return
		}
	} else {
		// Verification is skipped entirely (no StageStarted/StageCompleted
		// pair) when research returned zero
		// chunks; the decision is still recomputed against the
		// (empty) retrieval result so answering binds a backend.
		decision, err = o.deps.Classifier.Classify(run.Query, &chunks)
		if err != nil {
			o.fail(run, core.StateVerifying, err)
			return
		}
	}

	result, err := o.runAnswering(ctx, run, decision, chunks, plan.SubQuestions, insufficient)
	if err != nil {
		o.fail(run, core.StateAnswering, err)
		return
	}

	run.setState(core.StateDone)
	o.emit(run, Event{RunID: run.ID, Type: EventRunCompleted, Stage: core.StateDone, Result: result})
}

func (o *Orchestrator) fail(run *Run, stage core.AgentState, err error) {
	if kind, ok := core.KindOf(err); ok && kind == core.Cancelled {
		run.setState(core.StateCancelled)
		o.emit(run, Event{RunID: run.ID, Type: EventRunCancelled, Stage: stage, Err: err})
		return
	}
	run.setState(core.StateFailed)
	o.emit(run, Event{RunID: run.ID, Type: EventRunFailed, Stage: stage, Err: err})
}

func (o *Orchestrator) emit(run *Run, ev Event) {
	ev.EmittedAt = time.Now()
	select {
	case run.events <- ev:
	case <-time.After(5 * time.Second):
		slog.Error("orchestrator event dropped, consumer too slow", "run_id", run.ID, "type", ev.Type)
	}
}

func checkCancelled(ctx context.Context, runID string) error {
	select {
	case <-ctx.Done():
		return core.NewError(core.Cancelled, runID, "run cancelled", ctx.Err())
	default:
		return nil
	}
}

// runClarifying implements the Clarifying stage, including its bounded
// re-entry loop. It runs on LocalBackend whenever the PII Detector (via
// the Classification Oracle) flags the query, CloudBackend otherwise.
func (o *Orchestrator) runClarifying(ctx context.Context, run *Run) (ClarifyOutcome, classify.Decision, error) {
	run.setState(core.StateClarifying)
	o.emit(run, Event{RunID: run.ID, Type: EventStageStarted, Stage: core.StateClarifying})

	ctx, stageSpan := o.deps.Telemetry.StartStageSpan(ctx, run.ID, string(core.StateClarifying))
	defer stageSpan.End()

	query := run.Query
	var lastDecision classify.Decision

	for round := 0; round < o.deps.MaxClarifyRounds; round++ {
		if err := checkCancelled(ctx, run.ID); err != nil {
			return ClarifyOutcome{}, classify.Decision{}, err
		}

		// Query-only PII confidentiality at this stage has no confidential
		// resource to name yet (no retrieval has happened), so it is never
		// audited — only the sticky run flag and the telemetry signal fire.
		decision, err := o.deps.Classifier.Classify(query, nil)
		if err != nil {
			return ClarifyOutcome{}, classify.Decision{}, err
		}
		lastDecision = decision
		run.markConfidential(decision.Confidential)

		client, err := o.deps.Router.Route(ctx, decision, run.ID)
		if err != nil {
			return ClarifyOutcome{}, classify.Decision{}, err
		}
		o.deps.Telemetry.RecordRoute(ctx, run.ID, string(decision.Reason), string(client.Backend.ID()), decision.Confidential)

		outcome, err := o.generateClarification(ctx, run, client, query)
		if err != nil {
			return ClarifyOutcome{}, classify.Decision{}, err
		}

		if outcome.isPlan() {
			o.emit(run, Event{RunID: run.ID, Type: EventStageCompleted, Stage: core.StateClarifying,
				Summary: fmt.Sprintf("research plan with %d sub-questions", len(outcome.SubQuestions))})
			return outcome, lastDecision, nil
		}

		o.emit(run, Event{RunID: run.ID, Type: EventStageDelta, Stage: core.StateClarifying, Delta: outcome.FollowUp})

		select {
		case answer := <-run.followUps:
			query = query + "\n" + answer
		case <-ctx.Done():
			return ClarifyOutcome{}, classify.Decision{}, core.NewError(core.Cancelled, run.ID, "cancelled awaiting clarification", ctx.Err())
		}
	}

	// The clarification budget is spent: research the query as augmented
	// by the caller's answers.
	o.emit(run, Event{RunID: run.ID, Type: EventStageCompleted, Stage: core.StateClarifying,
		Summary: fmt.Sprintf("%d clarification rounds used; researching the augmented query", o.deps.MaxClarifyRounds)})
	return ClarifyOutcome{SubQuestions: []string{query}}, lastDecision, nil
}

// generateClarification wraps clarifyOnce with an LLM span covering the
// single Generate call it issues.
func (o *Orchestrator) generateClarification(ctx context.Context, run *Run, client llm.Client, query string) (ClarifyOutcome, error) {
	ctx, span := o.deps.Telemetry.StartLLMSpan(ctx, run.ID, string(client.Backend.ID()), false)
	outcome, usage, err := clarifyOnce(ctx, client, query)
	o.deps.Telemetry.EndLLMSpan(span, usage.PromptTokens, usage.CachedTokens, usage.CompletionTokens, err)
	return outcome, err
}

// clarifyOnce issues a single non-streaming generate call and applies a
// minimal heuristic to the response: a single line ending in "?" is a
// follow-up question; otherwise each non-empty line is a sub-question,
// capped at 5.
func clarifyOnce(ctx context.Context, client llm.Client, query string) (ClarifyOutcome, llm.Usage, error) {
	messages := []llm.Message{
		{Role: "system", Text: "Decide whether you need one clarifying question, or can produce up to 5 research sub-questions, one per line."},
		{Role: "user", Text: query},
	}
	_, completion, err := client.Generate(ctx, messages, llm.GenerateOptions{})
	if err != nil {
		return ClarifyOutcome{}, llm.Usage{}, err
	}

	lines := splitNonEmptyLines(completion.Text)
	if len(lines) == 1 && strings.HasSuffix(strings.TrimSpace(lines[0]), "?") {
		return ClarifyOutcome{FollowUp: lines[0]}, completion.Usage, nil
	}

	if len(lines) == 0 {
		lines = []string{query}
	}
	if len(lines) > 5 {
		lines = lines[:5]
	}
	return ClarifyOutcome{SubQuestions: lines}, completion.Usage, nil
}

func splitNonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// runResearching implements the Researching stage: fan out the plan's
// sub-questions to the Retrieval Service, union by chunk id, cap the
// total at MaxChunks.
func (o *Orchestrator) runResearching(ctx context.Context, run *Run, plan ClarifyOutcome) (core.RetrievalResult, error) {
	run.setState(core.StateResearching)
	o.emit(run, Event{RunID: run.ID, Type: EventStageStarted, Stage: core.StateResearching})

	seen := make(map[string]bool)
	var merged []core.ScoredChunk

	for _, subQ := range plan.SubQuestions {
		if err := checkCancelled(ctx, run.ID); err != nil {
			return core.RetrievalResult{}, err
		}

		result, err := o.deps.Retriever.Retrieve(ctx, retrieval.Request{
			QueryText: subQ,
			Principal: run.Principal,
			Limit:     o.deps.MaxChunks,
		})
		if err != nil {
			return core.RetrievalResult{}, err
		}

		for _, c := range result.Chunks {
			if seen[c.Chunk.ID] {
				continue
			}
			seen[c.Chunk.ID] = true
			merged = append(merged, c)
			if len(merged) >= o.deps.MaxChunks {
				break
			}
		}
		if len(merged) >= o.deps.MaxChunks {
			break
		}
	}

	result := core.RetrievalResult{Chunks: merged}
	o.emit(run, Event{RunID: run.ID, Type: EventStageCompleted, Stage: core.StateResearching,
		Summary: fmt.Sprintf("%d chunks retrieved", len(merged))})
	return result, nil
}

// runVerifying implements the Verifying stage: classify against the
// retrieval result (fixing the backend for verifying and answering),
// then ask the bound backend to assess the retrieved chunks.
func (o *Orchestrator) runVerifying(ctx context.Context, run *Run, chunks core.RetrievalResult) (classify.Decision, error) {
	run.setState(core.StateVerifying)
	o.emit(run, Event{RunID: run.ID, Type: EventStageStarted, Stage: core.StateVerifying})

	ctx, stageSpan := o.deps.Telemetry.StartStageSpan(ctx, run.ID, string(core.StateVerifying))
	defer stageSpan.End()

	if err := checkCancelled(ctx, run.ID); err != nil {
		return classify.Decision{}, err
	}

	decision, err := o.deps.Classifier.Classify(run.Query, &chunks)
	if err != nil {
		return classify.Decision{}, err
	}
	run.markConfidential(decision.Confidential)

	client, err := o.deps.Router.Route(ctx, decision, run.ID)
	if err != nil {
		return classify.Decision{}, err
	}
	o.deps.Telemetry.RecordRoute(ctx, run.ID, string(decision.Reason), string(client.Backend.ID()), decision.Confidential)

	messages := []llm.Message{
		{Role: "system", Text: "Assess which of the retrieved passages support, contradict, or fail to address the query. Respond in prose."},
		{Role: "user", Text: run.Query},
	}
	llmCtx, llmSpan := o.deps.Telemetry.StartLLMSpan(ctx, run.ID, string(client.Backend.ID()), false)
	_, completion, err := client.Generate(llmCtx, messages, llm.GenerateOptions{})
	if err != nil {
		o.deps.Telemetry.EndLLMSpan(llmSpan, 0, 0, 0, err)
		return classify.Decision{}, err
	}
	o.deps.Telemetry.EndLLMSpan(llmSpan, completion.Usage.PromptTokens, completion.Usage.CachedTokens, completion.Usage.CompletionTokens, nil)

	o.emit(run, Event{RunID: run.ID, Type: EventStageCompleted, Stage: core.StateVerifying,
		Summary: fmt.Sprintf("verified against %d chunks", len(chunks.Chunks))})
	return decision, nil
}

// runAnswering implements the Answering stage: generate the final text
// and assemble citations from the retrieved chunks. A retrieval result
// wider than MapGroupSize is handed to the Synthesis Engine's map-reduce
// pass instead of a single Generate call; anything at or under that
// width goes straight through one streamed call.
func (o *Orchestrator) runAnswering(ctx context.Context, run *Run, decision classify.Decision, chunks core.RetrievalResult, subQuestions []string, insufficient bool) (*Result, error) {
	run.setState(core.StateAnswering)
	o.emit(run, Event{RunID: run.ID, Type: EventStageStarted, Stage: core.StateAnswering})

	ctx, stageSpan := o.deps.Telemetry.StartStageSpan(ctx, run.ID, string(core.StateAnswering))
	defer stageSpan.End()

	if o.deps.Synthesis != nil && len(chunks.Chunks) > o.deps.MapGroupSize {
		return o.runAnsweringSynthesized(ctx, run, chunks, subQuestions)
	}

	client, err := o.deps.Router.Route(ctx, decision, run.ID)
	if err != nil {
		return nil, err
	}
	o.deps.Telemetry.RecordRoute(ctx, run.ID, string(decision.Reason), string(client.Backend.ID()), decision.Confidential)

	systemPrompt := "Answer the user's query using the supplied context. Cite sources by document id."
	if insufficient {
		systemPrompt += " The retrieval step returned no supporting passages; answer from general knowledge and note the gap."
	}
	contextPrefix := buildContextPrefix(chunks)
	messages := []llm.Message{
		{Role: "system", Text: systemPrompt + "\n\n" + contextPrefix},
		{Role: "user", Text: run.Query},
	}

	opts := llm.GenerateOptions{Streaming: true}
	var cacheHandle *cache.Handle
	if !decision.Confidential && o.deps.Cache != nil && client.Backend.ID() == core.BackendCloud && len(contextPrefix) >= o.deps.CacheMinChars {
		cacheHandle, err = o.buildCache(ctx, contextPrefix)
		if err != nil {
			slog.Warn("context cache build failed, continuing uncached", "run_id", run.ID, "error", err)
		} else {
			opts.CacheKey = cacheHandle.Key
		}
	}

	llmCtx, llmSpan := o.deps.Telemetry.StartLLMSpan(ctx, run.ID, string(client.Backend.ID()), true)
	stream, completion, err := client.Generate(llmCtx, messages, opts)
	if err != nil {
		o.deps.Telemetry.EndLLMSpan(llmSpan, 0, 0, 0, err)
		return nil, err
	}

	var text string
	var usage llm.Usage
	if stream != nil {
		text, usage, err = o.drainStream(ctx, run, stream)
		if err != nil {
			o.deps.Telemetry.EndLLMSpan(llmSpan, 0, 0, 0, err)
			return nil, err
		}
	} else {
		text = completion.Text
		usage = completion.Usage
		o.emit(run, Event{RunID: run.ID, Type: EventStageDelta, Stage: core.StateAnswering, Delta: text})
	}
	o.deps.Telemetry.EndLLMSpan(llmSpan, usage.PromptTokens, usage.CachedTokens, usage.CompletionTokens, nil)

	cacheHit := cacheHandle != nil && cacheHandle.Hit
	cachedTokens := usage.CachedTokens
	if cacheHit && cachedTokens == 0 {
		cachedTokens = cache.EstimatedTokens(contextPrefix)
	}

	citations := buildCitations(chunks)
	o.emit(run, Event{RunID: run.ID, Type: EventStageCompleted, Stage: core.StateAnswering,
		Summary: fmt.Sprintf("%d tokens, %d citations", usage.CompletionTokens, len(citations))})

	return &Result{
		Text:         text,
		Citations:    citations,
		LLMUsed:      client.Backend.ID(),
		CacheHit:     cacheHit,
		CachedTokens: cachedTokens,
		Insufficient: insufficient,
	}, nil
}

// buildContextPrefix renders the retrieved chunks into the prompt prefix
// text that, for public runs, the Context Cache Manager addresses.
func buildContextPrefix(chunks core.RetrievalResult) string {
	var b strings.Builder
	for _, c := range chunks.Chunks {
		b.WriteString(c.DocumentID)
		b.WriteString(": ")
		b.WriteString(c.Chunk.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// buildCache registers contextPrefix with the Context Cache Manager. The
// builder itself is a no-op: the Cloud Backend's own prompt caching keys
// off request content, so there is nothing to provision up front beyond
// recording that this prefix has been seen before.
func (o *Orchestrator) buildCache(ctx context.Context, contextPrefix string) (*cache.Handle, error) {
	key := cache.Key(contextPrefix)
	ctx, span := o.deps.Telemetry.StartCacheSpan(ctx, key)
	handle, err := o.deps.Cache.GetOrCreatePublic(ctx, contextPrefix, o.deps.CacheTTL, func(context.Context, string) (string, error) {
		return key, nil
	})
	o.deps.Telemetry.EndCacheSpan(span, handle != nil && handle.Hit, err)
	return handle, err
}

// runAnsweringSynthesized routes a wide retrieval result through the
// Synthesis Engine's map-reduce pass rather than a single Generate call.
func (o *Orchestrator) runAnsweringSynthesized(ctx context.Context, run *Run, chunks core.RetrievalResult, subQuestions []string) (*Result, error) {
	groups := synthesis.Partition(chunks.Chunks, o.deps.MapGroupSize)
	agentRun := &core.AgentRun{ID: run.ID, Query: run.Query, State: core.StateAnswering, StartedAt: time.Now()}

	result, err := o.deps.Synthesis.Synthesize(ctx, agentRun, run.Principal, subQuestions, groups)
	if err != nil {
		return nil, err
	}

	o.emit(run, Event{RunID: run.ID, Type: EventStageDelta, Stage: core.StateAnswering, Delta: result.Text})

	citations := buildCitations(chunks)
	o.emit(run, Event{RunID: run.ID, Type: EventStageCompleted, Stage: core.StateAnswering,
		Summary: fmt.Sprintf("synthesized from %d groups (%d missing), %d citations", result.GroupCount, result.MissingGroups, len(citations))})

	return &Result{
		Text:      result.Text,
		Citations: citations,
		LLMUsed:   result.LLMUsed,
	}, nil
}

func (o *Orchestrator) drainStream(ctx context.Context, run *Run, stream llm.Stream) (string, llm.Usage, error) {
	defer stream.Close()
	var b strings.Builder
	for {
		if err := checkCancelled(ctx, run.ID); err != nil {
			return "", llm.Usage{}, err
		}
		delta, err := stream.Recv()
		if err != nil {
			break
		}
		b.WriteString(delta.Text)
		o.emit(run, Event{RunID: run.ID, Type: EventStageDelta, Stage: core.StateAnswering, Delta: delta.Text})
		if delta.Done {
			break
		}
	}
	return b.String(), stream.Usage(), nil
}

func buildCitations(result core.RetrievalResult) []Citation {
	var out []Citation
	for _, c := range result.Chunks {
		snippet := c.Chunk.Text
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		out = append(out, Citation{DocumentID: c.DocumentID, ChunkID: c.Chunk.ID, Snippet: snippet})
	}
	return out
}
