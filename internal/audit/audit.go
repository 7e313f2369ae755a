// Package audit implements the Audit Sink: an append-only, best-effort
// log that never blocks a user response on write failure. Grounded on
// internal/storage.SQLiteStore (WAL-mode SQLite,
// migrate() schema creation, JSON-serialized detail blobs) and
// internal/storage/events.go's event-row shape, adapted from
// session-history records to append-only AuditRecords.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ConfidentialAccessedAction is the one audit action a confidential-touching
// run must emit exactly once: a confidential resource was involved in
// answering the query, regardless of which downstream stage ultimately
// consumed it or whether that stage later failed.
const ConfidentialAccessedAction = "CONFIDENTIAL_ACCESSED"

// Record is an AuditRecord: immutable after write, produced exactly
// once per confidential-touching operation.
type Record struct {
	Timestamp    time.Time
	PrincipalID  string
	Action       string
	ResourceType string
	ResourceID   string
	Detail       json.RawMessage
}

// confidentialAccessDetail is the Detail payload of a
// ConfidentialAccessedAction record: the confidential document ids
// involved and the reason the Classification Oracle flagged them.
type confidentialAccessDetail struct {
	DocumentIDs []string `json:"document_ids"`
	Reason      string   `json:"reason"`
}

// Sink is the Audit Sink. Record enqueues onto a bounded buffered
// channel drained by a single background writer goroutine; if the
// queue is full, the write is dropped and the queue_dropped counter
// (Stats.QueueDropped) is incremented — the caller's response is never delayed or failed by a
// slow or unavailable audit store.
type Sink struct {
	db     *sql.DB
	queue  chan Record
	done   chan struct{}
	closed chan struct{}

	writeFailures atomic.Int64
	queueDropped  atomic.Int64

	accessMu     sync.Mutex
	accessCounts map[string]int64
}

// Config configures a Sink.
type Config struct {
	DBPath     string
	QueueDepth int
}

// New opens (or creates) the SQLite-backed audit store in WAL mode and
// starts the background writer.
func New(cfg Config) (*Sink, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Sink{db: db, accessCounts: make(map[string]int64)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run audit migrations: %w", err)
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1024
	}
	s.queue = make(chan Record, depth)
	s.done = make(chan struct{})
	s.closed = make(chan struct{})

	go s.writeLoop()

	slog.Info("audit sink initialized", "path", cfg.DBPath, "queue_depth", depth)
	return s, nil
}

func (s *Sink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		principal_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_records_principal ON audit_records(principal_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_resource ON audit_records(resource_type, resource_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record enqueues an audit record. It never returns an error to the
// caller and never blocks past the point of an immediate channel send:
// a full queue drops the record and counts it, rather than stalling the
// operation that triggered it.
func (s *Sink) Record(ctx context.Context, principalID, action, resourceType, resourceID string, detail any) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		slog.Error("audit detail marshal failed", "action", action, "error", err)
		detailJSON = nil
	}

	rec := Record{
		Timestamp:    time.Now(),
		PrincipalID:  principalID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detailJSON,
	}

	select {
	case s.queue <- rec:
	default:
		s.queueDropped.Add(1)
		slog.Error("audit queue full, dropping record",
			"action", action, "resource_type", resourceType, "resource_id", resourceID)
	}
}

// RecordConfidentialAccess writes the single ConfidentialAccessedAction
// record for a run that touched confidential resources, and bumps that
// principal's rolling access count. It must be called once per run, as
// soon as a confidential resource is known to be involved — independent
// of whether a downstream backend call later succeeds.
func (s *Sink) RecordConfidentialAccess(ctx context.Context, principalID, runID string, documentIDs []string, reason string) {
	s.accessMu.Lock()
	s.accessCounts[principalID]++
	s.accessMu.Unlock()

	s.Record(ctx, principalID, ConfidentialAccessedAction, "document", runID, confidentialAccessDetail{
		DocumentIDs: documentIDs,
		Reason:      reason,
	})
}

// ConfidentialAccessCount returns the rolling count of
// ConfidentialAccessedAction records attributed to principalID.
func (s *Sink) ConfidentialAccessCount(principalID string) int64 {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	return s.accessCounts[principalID]
}

// CountByAction returns the number of persisted rows for the given
// action, querying past the write-behind queue straight into SQLite.
// Exists for callers (and tests) that need to confirm a record actually
// landed rather than trusting the in-memory counters alone.
func (s *Sink) CountByAction(action string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_records WHERE action = ?", action).Scan(&count)
	return count, err
}

func (s *Sink) writeLoop() {
	defer close(s.closed)
	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			s.write(rec)
		case <-s.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec Record) {
	_, err := s.db.Exec(
		`INSERT INTO audit_records (timestamp, principal_id, action, resource_type, resource_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.PrincipalID, rec.Action, rec.ResourceType, rec.ResourceID, string(rec.Detail),
	)
	if err != nil {
		s.writeFailures.Add(1)
		slog.Error("audit write failed", "action", rec.Action, "error", err)
	}
}

// Stats is a point-in-time snapshot exposed to internal/control.
type Stats struct {
	WriteFailures int64
	QueueDropped  int64
	QueueDepth    int
}

// Stats returns the current counters.
func (s *Sink) Stats() Stats {
	return Stats{
		WriteFailures: s.writeFailures.Load(),
		QueueDropped:  s.queueDropped.Load(),
		QueueDepth:    len(s.queue),
	}
}

// Close signals the writer to drain and stop, then closes the database.
func (s *Sink) Close() error {
	close(s.done)
	<-s.closed
	return s.db.Close()
}
