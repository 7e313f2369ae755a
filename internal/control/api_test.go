package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"elidacore/internal/audit"
	"elidacore/internal/classify"
	"elidacore/internal/core"
	"elidacore/internal/llm"
	"elidacore/internal/orchestrator"
	"elidacore/internal/retrieval"
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

type blockingRetriever struct {
	release chan struct{}
	result  core.RetrievalResult
}

func (r blockingRetriever) Retrieve(ctx context.Context, _ retrieval.Request) (core.RetrievalResult, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return core.RetrievalResult{}, ctx.Err()
	}
	return r.result, nil
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

func newTestHandler(t *testing.T, authEnabled bool, apiKey string) (*Handler, *orchestrator.Orchestrator, *llm.Router) {
	t.Helper()
	router := llm.NewRouter(
		scriptedBackend{id: core.BackendLocal, text: "plan line one"},
		scriptedBackend{id: core.BackendCloud, text: "the final answer"},
	)
	deps := orchestrator.Deps{
		Classifier: classify.New(scriptedDetector{hasPII: false}),
		Router:     router,
		Retriever: blockingRetriever{
			release: make(chan struct{}),
			result: core.RetrievalResult{Chunks: []core.ScoredChunk{
				{Chunk: core.Chunk{ID: "c1", DocumentID: "d1", Text: "supporting text"}, Bucket: core.BucketPublic, DocumentID: "d1"},
			}},
		},
		Audit: newTestAudit(t),
	}
	orch := orchestrator.New(deps, 4)
	h := NewWithAuth(orch, nil, nil, router, authEnabled, apiKey)
	return h, orch, router
}

func TestHandleHealth(t *testing.T) {
	h, _, _ := newTestHandler(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", resp.Status)
	}
}

func TestHandleStats_NilCacheAndAudit(t *testing.T) {
	h, _, _ := newTestHandler(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/control/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHandleRuns_ListsActiveRun(t *testing.T) {
	h, orch, _ := newTestHandler(t, false, "")

	run, err := orch.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "what is the refund policy?")
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	defer run.Cancel()

	req := httptest.NewRequest(http.MethodGet, "/control/runs?active=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp RunsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Runs) != 1 || resp.Runs[0].ID != run.ID {
		t.Fatalf("expected one active run matching %s, got %+v", run.ID, resp)
	}
}

// keywordDetector flags PII only when the classified text contains a
// fixed substring, letting a single orchestrator host both confidential
// and non-confidential runs for filter tests.
type keywordDetector struct{ keyword string }

func (d keywordDetector) Detect(text string) (bool, error) {
	return strings.Contains(text, d.keyword), nil
}

func TestHandleRuns_ConfidentialFilterExcludesPublicRuns(t *testing.T) {
	router := llm.NewRouter(
		scriptedBackend{id: core.BackendLocal, text: "plan line one"},
		scriptedBackend{id: core.BackendCloud, text: "the final answer"},
	)
	deps := orchestrator.Deps{
		Classifier: classify.New(keywordDetector{keyword: "ssn"}),
		Router:     router,
		Retriever: blockingRetriever{
			release: make(chan struct{}),
			result: core.RetrievalResult{Chunks: []core.ScoredChunk{
				{Chunk: core.Chunk{ID: "c1", DocumentID: "d1", Text: "supporting text"}, Bucket: core.BucketPublic, DocumentID: "d1"},
			}},
		},
		Audit: newTestAudit(t),
	}
	orch := orchestrator.New(deps, 4)
	h := NewWithAuth(orch, nil, nil, router, false, "")

	confidentialRun, err := orch.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "my ssn is 123-45-6789")
	if err != nil {
		t.Fatalf("failed to start confidential run: %v", err)
	}
	defer confidentialRun.Cancel()

	publicRun, err := orch.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "what is the refund policy?")
	if err != nil {
		t.Fatalf("failed to start public run: %v", err)
	}
	defer publicRun.Cancel()

	req := httptest.NewRequest(http.MethodGet, "/control/runs?confidential=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp RunsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Runs) != 1 || resp.Runs[0].ID != confidentialRun.ID || !resp.Runs[0].Confidential {
		t.Fatalf("expected only the confidential run to be listed, got %+v", resp)
	}
}

func TestHandleRun_NotFound(t *testing.T) {
	h, _, _ := newTestHandler(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/control/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRun_Cancel(t *testing.T) {
	h, orch, _ := newTestHandler(t, false, "")

	run, err := orch.StartRun(context.Background(), core.Principal{ID: "p1", Role: core.RoleUser}, "what is the refund policy?")
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/control/runs/"+run.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServeHTTP_CORSPreflight(t *testing.T) {
	h, _, _ := newTestHandler(t, false, "")
	req := httptest.NewRequest(http.MethodOptions, "/control/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header to be set")
	}
}

func TestServeHTTP_AuthRequiredRejectsMissingKey(t *testing.T) {
	h, _, _ := newTestHandler(t, true, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServeHTTP_AuthRequiredAcceptsBearerToken(t *testing.T) {
	h, _, _ := newTestHandler(t, true, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServeHTTP_AuthRequiredAcceptsAPIKeyHeader(t *testing.T) {
	h, _, _ := newTestHandler(t, true, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
