package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avetra/forgebox/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// legacyOwnerID marks records from the pre-multi-tenant deployment.
const legacyOwnerID = "local"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		container_ref TEXT,
		tier TEXT NOT NULL,
		flavor TEXT NOT NULL,
		addons TEXT NOT NULL DEFAULT '[]',
		urls TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_owner ON sandboxes(owner_id);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_idle ON sandboxes(last_accessed_at) WHERE status = 'running';

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		sandbox_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		user_message_count INTEGER NOT NULL DEFAULT 0,
		assistant_message_count INTEGER NOT NULL DEFAULT 0,
		last_synced_at INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_sandbox ON sessions(sandbox_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		completed_at INTEGER,
		UNIQUE(session_id, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSandbox inserts a new sandbox record.
func (s *SQLiteStore) CreateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	addons, err := json.Marshal(sb.Addons)
	if err != nil {
		return fmt.Errorf("marshal addons: %w", err)
	}
	urls, err := json.Marshal(sb.URLs)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}

	query := `
	INSERT INTO sandboxes (id, owner_id, status, container_ref, tier, flavor, addons, urls, created_at, last_accessed_at, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		sb.ID, sb.OwnerID, string(sb.Status), nullable(sb.ContainerRef),
		sb.Tier, sb.Flavor, string(addons), string(urls),
		sb.CreatedAt.Unix(), sb.LastAccessedAt.Unix(), nullable(sb.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert sandbox: %w", err)
	}
	return nil
}

const sandboxColumns = `id, owner_id, status, container_ref, tier, flavor, addons, urls, created_at, last_accessed_at, error_message`

func scanSandbox(row interface{ Scan(...any) error }) (*domain.Sandbox, error) {
	var sb domain.Sandbox
	var containerRef, errorMessage sql.NullString
	var status, addons, urls string
	var createdAt, lastAccessed int64

	err := row.Scan(
		&sb.ID, &sb.OwnerID, &status, &containerRef,
		&sb.Tier, &sb.Flavor, &addons, &urls,
		&createdAt, &lastAccessed, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	sb.Status = domain.Status(status)
	sb.ContainerRef = containerRef.String
	sb.ErrorMessage = errorMessage.String
	sb.CreatedAt = time.Unix(createdAt, 0)
	sb.LastAccessedAt = time.Unix(lastAccessed, 0)

	if err := json.Unmarshal([]byte(addons), &sb.Addons); err != nil {
		return nil, fmt.Errorf("unmarshal addons: %w", err)
	}
	if err := json.Unmarshal([]byte(urls), &sb.URLs); err != nil {
		return nil, fmt.Errorf("unmarshal urls: %w", err)
	}

	return &sb, nil
}

// GetSandbox retrieves a sandbox by id.
func (s *SQLiteStore) GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id)
	sb, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox row: %w", err)
	}
	return sb, nil
}

// ListSandboxes returns sandboxes matching the filter.
func (s *SQLiteStore) ListSandboxes(ctx context.Context, filter SandboxFilter) ([]*domain.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE 1=1`
	var args []any
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at`

	return s.querySandboxes(ctx, query, args...)
}

// ListIdleSandboxes returns running sandboxes idle beyond the threshold.
func (s *SQLiteStore) ListIdleSandboxes(ctx context.Context, idleFor time.Duration) ([]*domain.Sandbox, error) {
	threshold := time.Now().Add(-idleFor).Unix()
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE status = 'running' AND last_accessed_at < ?`
	return s.querySandboxes(ctx, query, threshold)
}

func (s *SQLiteStore) querySandboxes(ctx context.Context, query string, args ...any) ([]*domain.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sandboxes: %w", err)
	}
	defer closeRows(rows, "sandboxes")

	var out []*domain.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox row: %w", err)
		}
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sandboxes: %w", err)
	}
	return out, nil
}

// UpdateSandboxStatus transitions a sandbox's status and error message.
func (s *SQLiteStore) UpdateSandboxStatus(ctx context.Context, id string, status domain.Status, errorMessage string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET status = ?, error_message = ? WHERE id = ?`,
		string(status), nullable(errorMessage), id,
	)
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return requireRow(result, "sandbox", id)
}

// BindContainer records the runtime container ref and endpoint URLs.
func (s *SQLiteStore) BindContainer(ctx context.Context, id, containerRef string, urls map[string]string) error {
	if urls == nil {
		urls = map[string]string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET container_ref = ?, urls = ? WHERE id = ?`,
		nullable(containerRef), string(urlsJSON), id,
	)
	if err != nil {
		return fmt.Errorf("bind container: %w", err)
	}
	return requireRow(result, "sandbox", id)
}

// TouchLastAccessed updates the last_accessed_at timestamp.
func (s *SQLiteStore) TouchLastAccessed(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_accessed_at = ? WHERE id = ?`, at.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("touch last_accessed: %w", err)
	}
	return requireRow(result, "sandbox", id)
}

// DeleteSandbox removes the sandbox and all its mirrored records.
func (s *SQLiteStore) DeleteSandbox(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("failed to rollback sandbox delete", "sandbox_id", id, "error", rollbackErr)
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE sandbox_id = ?)`, id,
	); err != nil {
		return fmt.Errorf("delete sandbox messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE sandbox_id = ?`, id); err != nil {
		return fmt.Errorf("delete sandbox sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sandbox delete: %w", err)
	}
	return nil
}

// UpsertSession creates or updates a mirrored session. Archived stays archived.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (id, sandbox_id, owner_id, title, user_message_count, assistant_message_count, last_synced_at, archived)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		last_synced_at = excluded.last_synced_at,
		archived = MAX(sessions.archived, excluded.archived)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.SandboxID, sess.OwnerID, sess.Title,
		sess.UserMessageCount, sess.AssistantMessageCount,
		sess.LastSyncedAt.Unix(), boolInt(sess.Archived),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, sandbox_id, owner_id, title, user_message_count, assistant_message_count, last_synced_at, archived`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var lastSynced int64
	var archived int

	err := row.Scan(
		&sess.ID, &sess.SandboxID, &sess.OwnerID, &sess.Title,
		&sess.UserMessageCount, &sess.AssistantMessageCount,
		&lastSynced, &archived,
	)
	if err != nil {
		return nil, err
	}

	sess.LastSyncedAt = time.Unix(lastSynced, 0)
	sess.Archived = archived != 0
	return &sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions mirrored for a sandbox.
func (s *SQLiteStore) ListSessions(ctx context.Context, sandboxID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE sandbox_id = ? ORDER BY id`, sandboxID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// ArchiveSession soft-deletes a session.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return requireRow(result, "session", id)
}

// IncrementMessageCount bumps the per-role message counter.
func (s *SQLiteStore) IncrementMessageCount(ctx context.Context, sessionID string, role domain.Role) error {
	var column string
	switch role {
	case domain.RoleUser:
		column = "user_message_count"
	case domain.RoleAssistant:
		column = "assistant_message_count"
	default:
		return nil // system messages are not counted
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = `+column+` + 1 WHERE id = ?`, sessionID,
	)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// SetSessionSyncState records authoritative counters after a full resync.
func (s *SQLiteStore) SetSessionSyncState(ctx context.Context, sessionID string, userCount, assistantCount int, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET user_message_count = ?, assistant_message_count = ?, last_synced_at = ? WHERE id = ?`,
		userCount, assistantCount, syncedAt.Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set session sync state: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, external_id, role, parts, status, completed_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var msg domain.Message
	var role, status, parts string
	var completedAt sql.NullInt64

	err := row.Scan(&msg.ID, &msg.SessionID, &msg.ExternalID, &role, &parts, &status, &completedAt)
	if err != nil {
		return nil, err
	}

	msg.Role = domain.Role(role)
	msg.Status = domain.MessageStatus(status)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		msg.CompletedAt = &ts
	}
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}
	return &msg, nil
}

// GetMessage retrieves a mirrored message by its idempotency key.
func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID, externalID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND external_id = ?`,
		sessionID, externalID,
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// UpsertMessage creates or updates a message keyed by (session_id, external_id).
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	existing, err := s.GetMessage(ctx, msg.SessionID, msg.ExternalID)
	if err != nil {
		return false, err
	}

	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return false, fmt.Errorf("marshal parts: %w", err)
	}

	var completedAt any
	if msg.CompletedAt != nil {
		completedAt = msg.CompletedAt.Unix()
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
	INSERT INTO messages (id, session_id, external_id, role, parts, status, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, external_id) DO UPDATE SET
		role = excluded.role,
		parts = excluded.parts,
		status = excluded.status,
		completed_at = excluded.completed_at`

	_, err = s.db.ExecContext(ctx, query,
		id, msg.SessionID, msg.ExternalID, string(msg.Role),
		string(parts), string(msg.Status), completedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}
	return existing == nil, nil
}

// ListMessages returns a session's messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY rowid`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var out []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CleanupLegacyState removes pre-multi-tenant records owned by "local".
func (s *SQLiteStore) CleanupLegacyState(ctx context.Context) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE owner_id = ?)`,
		legacyOwnerID,
	); err != nil {
		return 0, fmt.Errorf("delete legacy messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE owner_id = ?`, legacyOwnerID); err != nil {
		return 0, fmt.Errorf("delete legacy sessions: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE owner_id = ?`, legacyOwnerID)
	if err != nil {
		return 0, fmt.Errorf("delete legacy sandboxes: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
