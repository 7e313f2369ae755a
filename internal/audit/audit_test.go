package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := New(Config{DBPath: path, QueueDepth: 8})
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForQueueDrain(t *testing.T, s *Sink) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.queue) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for audit queue to drain")
}

func TestRecord_WritesRow(t *testing.T) {
	s := newTestSink(t)
	s.Record(context.Background(), "principal-1", "retrieve", "document", "doc-1", map[string]string{"bucket": "confidential"})
	waitForQueueDrain(t, s)

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_records").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit row, got %d", count)
	}
}

func TestRecord_QueueFullDropsAndCounts(t *testing.T) {
	// A sink with a one-slot queue and no writer goroutine draining it:
	// the first record fills the queue and every later one is dropped, so
	// the drop count is exact.
	s := &Sink{queue: make(chan Record, 1), accessCounts: make(map[string]int64)}

	for i := 0; i < 50; i++ {
		s.Record(context.Background(), "p", "a", "r", "id", nil)
	}

	if got := s.Stats().QueueDropped; got != 49 {
		t.Fatalf("expected 49 dropped records, got %d", got)
	}
}

func TestRecord_NeverReturnsError(t *testing.T) {
	s := newTestSink(t)
	// Record has no return value; this test documents the contract by
	// compiling against it directly.
	s.Record(context.Background(), "p", "a", "r", "id", struct{ X int }{X: 1})
	waitForQueueDrain(t, s)
}

func TestRecordConfidentialAccess_WritesSingleConsolidatedRow(t *testing.T) {
	s := newTestSink(t)
	s.RecordConfidentialAccess(context.Background(), "principal-1", "run-1",
		[]string{"doc-1", "doc-2"}, "chunk_from_confidential_bucket")
	waitForQueueDrain(t, s)

	var count int
	var action, resourceID, detail string
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_records").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 audit row for a single confidential access, got %d", count)
	}
	if err := s.db.QueryRow("SELECT action, resource_id, detail FROM audit_records LIMIT 1").
		Scan(&action, &resourceID, &detail); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if action != ConfidentialAccessedAction {
		t.Fatalf("expected action %q, got %q", ConfidentialAccessedAction, action)
	}
	if resourceID != "run-1" {
		t.Fatalf("expected resource_id run-1, got %q", resourceID)
	}
	if !strings.Contains(detail, "doc-1") || !strings.Contains(detail, "doc-2") {
		t.Fatalf("expected detail to name both confidential document ids, got %q", detail)
	}
}

func TestConfidentialAccessCount_IsPerPrincipalAndRolling(t *testing.T) {
	s := newTestSink(t)
	s.RecordConfidentialAccess(context.Background(), "principal-1", "run-1", []string{"doc-1"}, "reason")
	s.RecordConfidentialAccess(context.Background(), "principal-1", "run-2", []string{"doc-2"}, "reason")
	s.RecordConfidentialAccess(context.Background(), "principal-2", "run-3", []string{"doc-3"}, "reason")
	waitForQueueDrain(t, s)

	if got := s.ConfidentialAccessCount("principal-1"); got != 2 {
		t.Fatalf("expected principal-1 count 2, got %d", got)
	}
	if got := s.ConfidentialAccessCount("principal-2"); got != 1 {
		t.Fatalf("expected principal-2 count 1, got %d", got)
	}
	if got := s.ConfidentialAccessCount("never-seen"); got != 0 {
		t.Fatalf("expected unknown principal count 0, got %d", got)
	}
}
