package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"elidacore/internal/audit"
	"elidacore/internal/classify"
	"elidacore/internal/core"
	"elidacore/internal/llm"
	"elidacore/internal/retrieval"
	"elidacore/internal/synthesis"
)

type scriptedDetector struct{ hasPII bool }

func (d scriptedDetector) Detect(string) (bool, error) { return d.hasPII, nil }

type scriptedBackend struct {
	id   core.BackendID
	text string
}

func (b scriptedBackend) ID() core.BackendID           { return b.id }
func (b scriptedBackend) Healthy(context.Context) bool { return true }
func (b scriptedBackend) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (llm.Stream, *llm.Completion, error) {
	return nil, &llm.Completion{Text: b.text, LLMUsed: b.id}, nil
}

// downBackend always reports unhealthy, simulating LocalBackend being
// unreachable for a confidential decision.
type downBackend struct{ id core.BackendID }

func (b downBackend) ID() core.BackendID           { return b.id }
func (b downBackend) Healthy(context.Context) bool { return false }
func (b downBackend) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (llm.Stream, *llm.Completion, error) {
	return nil, nil, errors.New("backend unreachable")
}

type scriptedRetriever struct {
	result core.RetrievalResult
	err    error
}

func (r scriptedRetriever) Retrieve(context.Context, retrieval.Request) (core.RetrievalResult, error) {
	return r.result, r.err
}

func newTestAudit(t *testing.T) *audit.Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := audit.New(audit.Config{DBPath: path})
	if err != nil {
		t.Fatalf("failed to build audit sink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitForAuditDrain blocks until the audit sink's background writer has
// caught up, so a test can safely query the underlying table immediately
// after a run reaches a terminal event.
func waitForAuditDrain(t *testing.T, s *audit.Sink) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats := s.Stats()
		if stats.QueueDepth == 0 {
			time.Sleep(20 * time.Millisecond) // let the last dequeued write land
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for audit queue to drain")
}

func countConfidentialAccessRecords(t *testing.T, s *audit.Sink) int {
	t.Helper()
	count, err := s.CountByAction(audit.ConfidentialAccessedAction)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	return count
}

func collectEvents(t *testing.T, run *Run) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for orchestrator events")
		}
	}
}

func TestRun_HappyPath_NonConfidential(t *testing.T) {
	deps := Deps{
		Classifier: classify.New(scriptedDetector{hasPII: false}),
		Router: llm.NewRouter(
			scriptedBackend{id: core.BackendLocal, text: "plan line one"},
			scriptedBackend{id: core.BackendCloud, text: "the final answer"},
		),
		Retriever: scriptedRetriever{result: core.RetrievalResult{Chunks: []core.ScoredChunk{
			{Chunk: core.Chunk{ID: "c1", DocumentID: "d1", Text: "some supporting text"}, Bucket: core.BucketPublic, DocumentID: "d1"},
		}}},
		Audit: newTestAudit(t),
	}
	o := New(deps, 4)

	run, err := o.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "what is the refund policy?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := collectEvents(t, run)

	var sawCompleted bool
	for _, ev := range events {
		if ev.Type == EventRunCompleted {
			sawCompleted = true
			if ev.Result.LLMUsed != core.BackendCloud {
				t.Fatalf("expected cloud backend for non-confidential run, got %s", ev.Result.LLMUsed)
			}
			if ev.Result.Text != "the final answer" {
				t.Fatalf("unexpected final text: %q", ev.Result.Text)
			}
		}
		if ev.Type == EventRunFailed {
			t.Fatalf("unexpected run failure: %v", ev.Err)
		}
	}
	if !sawCompleted {
		t.Fatal("expected a RunCompleted event")
	}
	if run.State() != core.StateDone {
		t.Fatalf("expected state done, got %s", run.State())
	}
}

func TestRun_ConfidentialQueryRoutesLocal(t *testing.T) {
	auditSink := newTestAudit(t)
	deps := Deps{
		Classifier: classify.New(scriptedDetector{hasPII: true}),
		Router: llm.NewRouter(
			scriptedBackend{id: core.BackendLocal, text: "plan line one"},
			scriptedBackend{id: core.BackendCloud, text: "should never be used"},
		),
		Retriever: scriptedRetriever{result: core.RetrievalResult{}},
		Audit:     auditSink,
	}
	o := New(deps, 4)

	run, err := o.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "my ssn is 123-45-6789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := collectEvents(t, run)
	var result *Result
	for _, ev := range events {
		if ev.Type == EventRunCompleted {
			result = ev.Result
		}
	}
	if result == nil {
		t.Fatal("expected RunCompleted event")
	}
	if result.LLMUsed != core.BackendLocal {
		t.Fatalf("expected local backend for confidential query, got %s", result.LLMUsed)
	}

	// Confidentiality here comes only from query PII, caught before any
	// retrieval happened: no confidential document was ever accessed, so
	// no CONFIDENTIAL_ACCESSED record should exist.
	waitForAuditDrain(t, auditSink)
	if got := countConfidentialAccessRecords(t, auditSink); got != 0 {
		t.Fatalf("expected 0 CONFIDENTIAL_ACCESSED records for query-PII-only confidentiality, got %d", got)
	}
}

func TestRun_ConfidentialChunksWriteSingleConsolidatedAuditRecord(t *testing.T) {
	auditSink := newTestAudit(t)
	deps := Deps{
		Classifier: classify.New(scriptedDetector{hasPII: false}),
		Router: llm.NewRouter(
			scriptedBackend{id: core.BackendLocal, text: "local answer"},
			scriptedBackend{id: core.BackendCloud, text: "cloud clarification plan"},
		),
		Retriever: scriptedRetriever{result: core.RetrievalResult{Chunks: []core.ScoredChunk{
			{Chunk: core.Chunk{ID: "c1", DocumentID: "secret-doc"}, Bucket: core.BucketConfidential, DocumentID: "secret-doc"},
		}}},
		Audit: auditSink,
	}
	o := New(deps, 4)

	run, err := o.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "what's in the confidential file?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collectEvents(t, run)

	waitForAuditDrain(t, auditSink)
	if got := countConfidentialAccessRecords(t, auditSink); got != 1 {
		t.Fatalf("expected exactly 1 CONFIDENTIAL_ACCESSED record per run, got %d", got)
	}
	if got := auditSink.ConfidentialAccessCount("p1"); got != 1 {
		t.Fatalf("expected principal access count 1, got %d", got)
	}
}

func TestRun_ConfidentialAuditRecordSurvivesLocalBackendFailure(t *testing.T) {
	auditSink := newTestAudit(t)
	deps := Deps{
		Classifier: classify.New(scriptedDetector{hasPII: false}),
		Router: llm.NewRouter(
			downBackend{id: core.BackendLocal}, // local is down: confidential routing must fail below
			scriptedBackend{id: core.BackendCloud, text: "cloud clarification plan"},
		),
		Retriever: scriptedRetriever{result: core.RetrievalResult{Chunks: []core.ScoredChunk{
			{Chunk: core.Chunk{ID: "c1", DocumentID: "secret-doc"}, Bucket: core.BucketConfidential, DocumentID: "secret-doc"},
		}}},
		Audit: auditSink,
	}
	o := New(deps, 4)

	run, err := o.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "what's in the confidential file?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := collectEvents(t, run)
	var failed bool
	for _, ev := range events {
		if ev.Type == EventRunFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected the run to fail once Verifying tries to route to the down local backend")
	}

	waitForAuditDrain(t, auditSink)
	if got := countConfidentialAccessRecords(t, auditSink); got != 1 {
		t.Fatalf("expected the CONFIDENTIAL_ACCESSED record to survive the backend failure, got %d records", got)
	}
}

func TestRun_ZeroChunksSkipsVerifyingAndMarksInsufficient(t *testing.T) {
	deps := Deps{
		Classifier: classify.New(scriptedDetector{hasPII: false}),
		Router: llm.NewRouter(
			scriptedBackend{id: core.BackendLocal, text: "plan line one"},
			scriptedBackend{id: core.BackendCloud, text: "best-effort answer"},
		),
		Retriever: scriptedRetriever{result: core.RetrievalResult{}},
		Audit:     newTestAudit(t),
	}
	o := New(deps, 4)

	run, err := o.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "obscure question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := collectEvents(t, run)
	for _, ev := range events {
		if ev.Type == EventStageStarted && ev.Stage == core.StateVerifying {
			t.Fatal("verifying stage must be skipped when research returns zero chunks")
		}
	}

	var result *Result
	for _, ev := range events {
		if ev.Type == EventRunCompleted {
			result = ev.Result
		}
	}
	if result == nil || !result.Insufficient {
		t.Fatalf("expected an insufficient-marked result, got %+v", result)
	}
}

func TestRun_RetrievalFailurePropagatesAsRunFailed(t *testing.T) {
	wantErr := errors.New("retrieval backend down")
	deps := Deps{
		Classifier: classify.New(scriptedDetector{hasPII: false}),
		Router: llm.NewRouter(
			scriptedBackend{id: core.BackendLocal, text: "plan line one"},
			scriptedBackend{id: core.BackendCloud, text: "answer"},
		),
		Retriever: scriptedRetriever{err: wantErr},
		Audit:     newTestAudit(t),
	}
	o := New(deps, 4)

	run, err := o.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := collectEvents(t, run)
	var failed bool
	for _, ev := range events {
		if ev.Type == EventRunFailed {
			failed = true
			if !errors.Is(ev.Err, wantErr) {
				t.Fatalf("expected wrapped retrieval error, got %v", ev.Err)
			}
		}
	}
	if !failed {
		t.Fatal("expected RunFailed event")
	}
	if run.State() != core.StateFailed {
		t.Fatalf("expected state failed, got %s", run.State())
	}
}

func TestRun_WideRetrievalUsesSynthesis(t *testing.T) {
	router := llm.NewRouter(
		scriptedBackend{id: core.BackendLocal, text: "local summary"},
		scriptedBackend{id: core.BackendCloud, text: "synthesized answer"},
	)
	auditSink := newTestAudit(t)

	chunks := make([]core.ScoredChunk, 0, 7)
	for i := 0; i < 7; i++ {
		chunks = append(chunks, core.ScoredChunk{
			Chunk:      core.Chunk{ID: "c" + string(rune('a'+i)), DocumentID: "d1", Text: "supporting text"},
			Bucket:     core.BucketPublic,
			DocumentID: "d1",
		})
	}

	deps := Deps{
		Classifier:   classify.New(scriptedDetector{hasPII: false}),
		Router:       router,
		Retriever:    scriptedRetriever{result: core.RetrievalResult{Chunks: chunks}},
		Audit:        auditSink,
		Synthesis:    synthesis.New(synthesis.Deps{Router: router, Concurrency: 2}),
		MapGroupSize: 3,
	}
	o := New(deps, 4)

	run, err := o.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "summarize the policy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := collectEvents(t, run)
	var sawCompleted bool
	for _, ev := range events {
		if ev.Type == EventRunFailed {
			t.Fatalf("unexpected run failure: %v", ev.Err)
		}
		if ev.Type == EventRunCompleted {
			sawCompleted = true
			if ev.Result.Text != "synthesized answer" {
				t.Fatalf("expected the reduce call's output, got %q", ev.Result.Text)
			}
		}
	}
	if !sawCompleted {
		t.Fatal("expected a RunCompleted event")
	}
}

func TestRun_CancelBeforeCompletion(t *testing.T) {
	deps := Deps{
		Classifier: classify.New(scriptedDetector{hasPII: false}),
		Router: llm.NewRouter(
			scriptedBackend{id: core.BackendLocal, text: "plan line one"},
			scriptedBackend{id: core.BackendCloud, text: "answer"},
		),
		Retriever: scriptedRetriever{result: core.RetrievalResult{}},
		Audit:     newTestAudit(t),
	}
	o := New(deps, 4)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := o.StartRun(ctx, core.Principal{ID: "p1", Role: core.RoleUser}, "question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	events := collectEvents(t, run)
	var sawCancelledOrTerminal bool
	for _, ev := range events {
		if ev.Type == EventRunCancelled || ev.Type == EventRunCompleted || ev.Type == EventRunFailed {
			sawCancelledOrTerminal = true
		}
	}
	if !sawCancelledOrTerminal {
		t.Fatal("expected the run to reach a terminal event after cancellation")
	}
}
