package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/trndnhan/maiservant/internal/domain"
)

// SQLiteStore implements Store using SQLite. Message timestamps are
// stored as integer epoch seconds and surface as time.Time.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			model_name TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			session_data TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession returns the session document, or nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, model_id, model_name, provider, session_data, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// EnsureSession creates the session document if it does not exist.
func (s *SQLiteStore) EnsureSession(ctx context.Context, session *domain.Session) error {
	data, err := marshalSessionData(session.SessionData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, model_id, model_name, provider, session_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		session.SessionID,
		session.UserID,
		session.AgentData.Model.ID,
		session.AgentData.Model.Name,
		session.AgentData.Model.Provider,
		data,
		session.CreatedAt.Unix(),
		session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

// SetSessionTitle writes session_data.session_name.
func (s *SQLiteStore) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	return s.setSessionName(ctx, sessionID, "", title)
}

// RenameSession updates the title of a session owned by userID and
// returns the updated document.
func (s *SQLiteStore) RenameSession(ctx context.Context, sessionID, userID, name string) (*domain.Session, error) {
	if err := s.setSessionName(ctx, sessionID, userID, name); err != nil {
		return nil, err
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, nil
	}
	return session, nil
}

// setSessionName rewrites the session_data map with the new name. An
// empty userID skips the ownership filter.
func (s *SQLiteStore) setSessionName(ctx context.Context, sessionID, userID, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT session_data FROM sessions WHERE session_id = ?`
	args := []interface{}{sessionID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	var raw sql.NullString
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to read session_data: %w", err)
	}

	sessionData := map[string]string{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &sessionData); err != nil {
			return fmt.Errorf("failed to unmarshal session_data: %w", err)
		}
	}
	sessionData["session_name"] = name

	data, err := marshalSessionData(sessionData)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET session_data = ?, updated_at = ? WHERE session_id = ?`,
		data, time.Now().Unix(), sessionID); err != nil {
		return fmt.Errorf("failed to update session_data: %w", err)
	}

	return tx.Commit()
}

// DeleteSession removes a session owned by userID along with its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM sessions WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if count > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return 0, fmt.Errorf("failed to delete messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return count, nil
}

// ListSessionsByUser returns the user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, model_id, model_name, provider, session_data, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// AppendMessage appends a message and bumps the session's updated_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
		msg.CreatedAt.Unix(), msg.SessionID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return tx.Commit()
}

// GetMessages returns up to limit user/assistant messages created before
// the given epoch cutoff (0 means no cutoff), in ascending creation order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int, before int64) ([]domain.Message, error) {
	query := `
		SELECT message_id, session_id, role, content, created_at
		FROM messages
		WHERE session_id = ? AND role IN ('user', 'assistant')`
	args := []interface{}{sessionID}
	if before > 0 {
		query += ` AND created_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest page was selected descending; present it ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var raw sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.SessionID,
		&session.UserID,
		&session.AgentData.Model.ID,
		&session.AgentData.Model.Name,
		&session.AgentData.Model.Provider,
		&raw,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.SessionData = map[string]string{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &session.SessionData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session_data: %w", err)
		}
	}
	session.CreatedAt = time.Unix(createdAt, 0).UTC()
	session.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &session, nil
}

func marshalSessionData(data map[string]string) (string, error) {
	if data == nil {
		data = map[string]string{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session_data: %w", err)
	}
	return string(b), nil
}
