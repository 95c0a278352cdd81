// Package store implements the embedded relational persistence named in
// spec §6: the two exact tables (audit_entries, sessions) backing the audit
// sink and session grant cache, so a deployment survives process restarts
// without standing up an external database.
//
// Grounded in the teacher's pkg/store.SQLiteReceiptStore (database/sql over
// modernc.org/sqlite, migrate-then-query shape, explicit sql.Null* scanning)
// generalized from one receipts table to the two tables this spec names.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetlabs/overwatch/pkg/audit"
	"github.com/dotsetlabs/overwatch/pkg/session"

	_ "modernc.org/sqlite"
)

// Store is the embedded SQLite-backed persistence layer. It implements
// session.Store directly and offers write-through/query methods the audit
// sink can be wired to via Sink.Subscribe (spec §7: "Storage errors
// (session/audit): non-fatal to request flow").
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path (use ":memory:" for an
// ephemeral store) and applies the additive migration set.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer, matches the teacher's lite-mode setup
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the schema from spec §6. Future schema changes must be
// additive (new columns with defaults, new indexes) — never a column drop
// or rename, so older rows stay readable.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			server TEXT,
			tool TEXT NOT NULL,
			args TEXT,
			risk_level TEXT NOT NULL,
			decision TEXT NOT NULL,
			session_id TEXT,
			duration INTEGER,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_server ON audit_entries(server)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_risk_level ON audit_entries(risk_level)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_decision ON audit_entries(decision)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			pattern TEXT NOT NULL,
			server TEXT,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			approver TEXT,
			tool_name TEXT,
			tool_args TEXT,
			risk_level TEXT,
			reason TEXT,
			source TEXT,
			use_count INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER,
			revoked_at INTEGER,
			revoked_by TEXT,
			revoke_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_server ON sessions(server)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions(scope)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_approver ON sessions(approver)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- audit_entries -----------------------------------------------------

// SaveAuditEntry persists one audit entry. Meant to be wired as an
// audit.Sink subscriber; the caller decides whether a write failure is
// logged-and-swallowed or surfaced (spec §7).
func (s *Store) SaveAuditEntry(e audit.Entry) error {
	argsJSON, err := marshalOrNil(e.Args)
	if err != nil {
		return fmt.Errorf("store: marshal audit args: %w", err)
	}
	var durationMs sql.NullInt64
	if e.Duration != 0 {
		durationMs = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO audit_entries (id, timestamp, server, tool, args, risk_level, decision, session_id, duration, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), nullableText(e.Server), e.Tool, argsJSON,
		e.RiskLevel, e.Decision, nullableText(e.SessionID), durationMs, nullableText(e.Error),
	)
	if err != nil {
		return fmt.Errorf("store: save audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries mirrors audit.Sink.Query's AND-composed filters, for a
// deployment that wants to page through persisted history rather than the
// sink's bounded in-memory tail.
func (s *Store) QueryAuditEntries(f audit.Filters) ([]audit.Entry, error) {
	where := []string{"1=1"}
	args := []any{}

	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.Server != "" {
		where = append(where, "server = ?")
		args = append(args, f.Server)
	}
	if f.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.RiskLevel != "" {
		where = append(where, "risk_level = ?")
		args = append(args, f.RiskLevel)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}

	query := `SELECT id, timestamp, server, tool, args, risk_level, decision, session_id, duration, error
		FROM audit_entries WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAuditEntry(rows *sql.Rows) (audit.Entry, error) {
	var (
		id, tool, riskLevel, decision string
		timestampMs                   int64
		server, argsJSON, sessionID   sql.NullString
		durationMs                    sql.NullInt64
		errText                       sql.NullString
	)
	if err := rows.Scan(&id, &timestampMs, &server, &tool, &argsJSON, &riskLevel, &decision, &sessionID, &durationMs, &errText); err != nil {
		return audit.Entry{}, fmt.Errorf("store: scan audit entry: %w", err)
	}
	e := audit.Entry{
		ID:        id,
		Timestamp: time.UnixMilli(timestampMs),
		Server:    server.String,
		Tool:      tool,
		RiskLevel: riskLevel,
		Decision:  decision,
		SessionID: sessionID.String,
		Error:     errText.String,
	}
	if durationMs.Valid {
		e.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	}
	if argsJSON.Valid && argsJSON.String != "" {
		_ = json.Unmarshal([]byte(argsJSON.String), &e.Args)
	}
	return e, nil
}

// --- sessions: session.Store implementation -----------------------------

// Insert implements session.Store.
func (s *Store) Insert(g session.Grant) error {
	return s.upsert(g)
}

// Update implements session.Store. The sessions table has no unique
// constraint beyond the primary key, so upsert covers both.
func (s *Store) Update(g session.Grant) error {
	return s.upsert(g)
}

func (s *Store) upsert(g session.Grant) error {
	toolArgsJSON, err := marshalOrNil(g.ToolArgs)
	if err != nil {
		return fmt.Errorf("store: marshal tool args: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO sessions (id, scope, pattern, server, created_at, expires_at, approver, tool_name, tool_args, risk_level, reason, source, use_count, last_used_at, revoked_at, revoked_by, revoke_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope=excluded.scope, pattern=excluded.pattern, server=excluded.server,
			expires_at=excluded.expires_at, approver=excluded.approver, tool_name=excluded.tool_name,
			tool_args=excluded.tool_args, risk_level=excluded.risk_level, reason=excluded.reason,
			source=excluded.source, use_count=excluded.use_count, last_used_at=excluded.last_used_at,
			revoked_at=excluded.revoked_at, revoked_by=excluded.revoked_by, revoke_reason=excluded.revoke_reason`,
		g.ID, string(g.Scope), g.Pattern, nullableText(g.Server),
		g.CreatedAt.UnixMilli(), g.ExpiresAt.UnixMilli(),
		nullableText(g.Approver), nullableText(g.ToolName), toolArgsJSON,
		nullableText(g.RiskLevel), nullableText(g.Reason), nullableText(g.Source),
		g.UseCount, nullableMillis(g.LastUsedAt), nullableMillis(g.RevokedAt),
		nullableText(g.RevokedBy), nullableText(g.RevokeReason),
	)
	if err != nil {
		return fmt.Errorf("store: upsert session grant: %w", err)
	}
	return nil
}

// Get implements session.Store.
func (s *Store) Get(id string) (session.Grant, bool, error) {
	row := s.db.QueryRowContext(context.Background(), sessionSelectColumns+` FROM sessions WHERE id = ?`, id)
	g, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return session.Grant{}, false, nil
	}
	if err != nil {
		return session.Grant{}, false, fmt.Errorf("store: get session grant: %w", err)
	}
	return g, true, nil
}

// All implements session.Store, ordered most-recently-created first to
// match MemoryStore.All (spec §4.5 "Match": "scans active grants
// most-recent-first").
func (s *Store) All() ([]session.Grant, error) {
	rows, err := s.db.QueryContext(context.Background(), sessionSelectColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list session grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Grant
	for rows.Next() {
		g, err := scanGrantRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Delete implements session.Store.
func (s *Store) Delete(id string) error {
	if _, err := s.db.ExecContext(context.Background(), `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete session grant: %w", err)
	}
	return nil
}

const sessionSelectColumns = `SELECT id, scope, pattern, server, created_at, expires_at, approver, tool_name, tool_args, risk_level, reason, source, use_count, last_used_at, revoked_at, revoked_by, revoke_reason`

// rowScanner covers both *sql.Row and *sql.Rows so scanGrant can share scan
// logic between Get (single row) and All (row iteration).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (session.Grant, error) {
	return scanGrantRows(row)
}

func scanGrantRows(row rowScanner) (session.Grant, error) {
	var (
		id, scope, pattern                                string
		server, approver, toolName, toolArgsJSON           sql.NullString
		riskLevel, reason, source                          sql.NullString
		revokedBy, revokeReason                            sql.NullString
		createdAtMs, expiresAtMs                            int64
		useCount                                            int
		lastUsedAtMs, revokedAtMs                           sql.NullInt64
	)
	if err := row.Scan(&id, &scope, &pattern, &server, &createdAtMs, &expiresAtMs,
		&approver, &toolName, &toolArgsJSON, &riskLevel, &reason, &source,
		&useCount, &lastUsedAtMs, &revokedAtMs, &revokedBy, &revokeReason); err != nil {
		return session.Grant{}, err
	}

	g := session.Grant{
		ID:        id,
		Scope:     session.Scope(scope),
		Pattern:   pattern,
		Server:    server.String,
		CreatedAt: time.UnixMilli(createdAtMs),
		ExpiresAt: time.UnixMilli(expiresAtMs),
		Approver:  approver.String,
		ToolName:  toolName.String,
		RiskLevel: riskLevel.String,
		Reason:    reason.String,
		Source:    source.String,
		UseCount:  useCount,
		RevokedBy: revokedBy.String,
		RevokeReason: revokeReason.String,
	}
	if toolArgsJSON.Valid && toolArgsJSON.String != "" {
		_ = json.Unmarshal([]byte(toolArgsJSON.String), &g.ToolArgs)
	}
	if lastUsedAtMs.Valid {
		g.LastUsedAt = time.UnixMilli(lastUsedAtMs.Int64)
	}
	if revokedAtMs.Valid {
		g.RevokedAt = time.UnixMilli(revokedAtMs.Int64)
	}
	return g, nil
}

func marshalOrNil(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableText(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
