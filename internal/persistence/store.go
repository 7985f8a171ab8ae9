// Package persistence provides SQLite-backed local state: approval
// policies, the approval audit trail, and thread metadata snapshots so
// the console can render a directory before the first server event
// arrives after startup.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/agent-console/internal/approval"
)

// ThreadSnapshot is the persisted subset of thread metadata. It exists
// to prime the directory on startup; live server events always win.
type ThreadSnapshot struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Provider       string `json:"provider"`
	Archived       bool   `json:"archived"`
	CreatedAt      string `json:"createdAt"` // ISO 8601
	LastActivityAt string `json:"lastActivityAt"`
}

// Store provides persistent console state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the approval policies table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_policies (
			id TEXT PRIMARY KEY,
			decision TEXT NOT NULL,
			tool_kind TEXT NOT NULL DEFAULT '',
			tool_title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 creates the approval resolution audit trail.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_resolutions (
			thread_id TEXT NOT NULL,
			flow TEXT NOT NULL,
			key TEXT NOT NULL,
			outcome TEXT NOT NULL,
			origin TEXT NOT NULL,
			resolved_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_resolutions_thread ON approval_resolutions(thread_id);
	`)
	return err
}

// migrateV3 creates the thread snapshot table for startup priming.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// SavePolicy persists an approval policy.
func (s *Store) SavePolicy(p approval.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO approval_policies (id, decision, tool_kind, tool_title, created_at) VALUES (?, ?, ?, ?, ?)",
		p.ID, string(p.Decision), p.ToolKind, p.ToolTitle, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// DeletePolicy removes a policy by id.
func (s *Store) DeletePolicy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM approval_policies WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}

// ListPolicies returns all persisted approval policies.
func (s *Store) ListPolicies() ([]approval.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, decision, tool_kind, tool_title FROM approval_policies ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []approval.Policy
	for rows.Next() {
		var p approval.Policy
		var decision string
		if err := rows.Scan(&p.ID, &decision, &p.ToolKind, &p.ToolTitle); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Decision = approval.Decision(decision)
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

// Policies implements approval.PolicyStore. A storage failure degrades
// to an empty policy set so permission requests still surface to the
// user rather than hanging.
func (s *Store) Policies() []approval.Policy {
	policies, err := s.ListPolicies()
	if err != nil {
		slog.Error("Failed to load approval policies", "error", err)
		return nil
	}
	return policies
}

// RecordResolution appends one audit entry for a resolved approval.
func (s *Store) RecordResolution(r approval.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO approval_resolutions (thread_id, flow, key, outcome, origin, resolved_at) VALUES (?, ?, ?, ?, ?, ?)",
		r.ThreadID, r.Flow, r.Key, r.Outcome, string(r.Origin), r.ResolvedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	return nil
}

// ListResolutions returns the audit trail for a thread, oldest first.
func (s *Store) ListResolutions(threadID string) ([]approval.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT thread_id, flow, key, outcome, origin, resolved_at FROM approval_resolutions WHERE thread_id = ? ORDER BY resolved_at ASC",
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []approval.Resolution
	for rows.Next() {
		var r approval.Resolution
		var origin, resolvedAt string
		if err := rows.Scan(&r.ThreadID, &r.Flow, &r.Key, &r.Outcome, &origin, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.Origin = approval.Origin(origin)
		if ts, err := time.Parse(time.RFC3339, resolvedAt); err == nil {
			r.ResolvedAt = ts
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return out, nil
}

// UpsertThread persists a thread metadata snapshot.
func (s *Store) UpsertThread(t ThreadSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	archived := 0
	if t.Archived {
		archived = 1
	}

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO threads (id, title, provider, archived, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.ID, t.Title, t.Provider, archived, t.CreatedAt, t.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

// ListThreads returns all persisted thread snapshots.
func (s *Store) ListThreads() ([]ThreadSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, title, provider, archived, created_at, last_activity_at FROM threads ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []ThreadSnapshot
	for rows.Next() {
		var t ThreadSnapshot
		var archived int
		if err := rows.Scan(&t.ID, &t.Title, &t.Provider, &archived, &t.CreatedAt, &t.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Archived = archived != 0
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	if threads == nil {
		threads = []ThreadSnapshot{}
	}
	return threads, nil
}

// DeleteThread removes a thread snapshot.
func (s *Store) DeleteThread(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM threads WHERE id = ?", threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}
