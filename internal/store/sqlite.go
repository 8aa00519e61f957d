package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node persistence backend for development and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// CreateConversation inserts a conversation. An existing row with the same
// id is left untouched.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) error {
	if c.Status == "" {
		c.Status = ConversationActive
	}
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.UserID, c.Title, c.Status, now, now)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

const sqliteConversationColumns = `id, user_id, title, status, audio_url, transcript, last_transcript_preview, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var audioURL sql.NullString
	var created, updated int64
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Status, &audioURL, &c.Transcript,
		&c.LastTranscriptPreview, &created, &updated)
	if err != nil {
		return c, err
	}
	if audioURL.Valid {
		c.AudioURL = &audioURL.String
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// GetConversation returns a conversation owned by userID.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, id string) (*Conversation, error) {
	c, err := scanSQLiteConversation(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteConversationColumns+` FROM conversations WHERE id = ? AND user_id = ?
	`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// UpdateConversation applies the non-nil fields of u.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, userID, id string, u ConversationUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title = COALESCE(?, title),
		    status = COALESCE(?, status),
		    audio_url = COALESCE(?, audio_url),
		    transcript = COALESCE(?, transcript),
		    last_transcript_preview = COALESCE(?, last_transcript_preview),
		    updated_at = ?
		WHERE id = ? AND user_id = ?
	`, nullable(u.Title), nullable(u.Status), nullable(u.AudioURL), nullable(u.Transcript),
		nullable(u.LastTranscriptPreview), s.nowMillis(), id, userID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleConversations returns active conversations not updated since before.
func (s *SQLiteStore) ListStaleConversations(ctx context.Context, before time.Time, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteConversationColumns+`
		FROM conversations
		WHERE status = 'active' AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, before.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateAction inserts a detected action with status created.
func (s *SQLiteStore) CreateAction(ctx context.Context, a Action) error {
	var dt sql.NullInt64
	if a.Datetime != nil {
		dt = sql.NullInt64{Int64: a.Datetime.UnixMilli(), Valid: true}
	}
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, conversation_id, user_id, type, status, title, body, query, datetime,
			transcript_start, transcript_end, transcript_excerpt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ConversationID, a.UserID, a.Type, ActionCreated, a.Title, a.Body, a.Query, dt,
		a.TranscriptStart, a.TranscriptEnd, a.TranscriptExcerpt, now, now)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

func scanSQLiteAction(row rowScanner) (Action, error) {
	var a Action
	var dt sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.ID, &a.ConversationID, &a.UserID, &a.Type, &a.Status, &a.Title, &a.Body, &a.Query,
		&dt, &a.TranscriptStart, &a.TranscriptEnd, &a.TranscriptExcerpt, &created, &updated)
	if err != nil {
		return a, err
	}
	if dt.Valid {
		t := fromMillis(dt.Int64)
		a.Datetime = &t
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

// GetAction returns an action owned by userID.
func (s *SQLiteStore) GetAction(ctx context.Context, userID, id string) (*Action, error) {
	a, err := scanSQLiteAction(s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &a, nil
}

// ListActions returns the actions of a conversation in creation order.
func (s *SQLiteStore) ListActions(ctx context.Context, userID, conversationID string) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE conversation_id = ? AND user_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanSQLiteAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateActionStatus moves an action along its lifecycle.
func (s *SQLiteStore) UpdateActionStatus(ctx context.Context, userID, id, status string) error {
	a, err := s.GetAction(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ValidTransition(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, status, s.nowMillis(), id, userID, a.Status)
	if err != nil {
		return fmt.Errorf("update action status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	return nil
}

// CreateConversationLogs inserts logs in one transaction.
func (s *SQLiteStore) CreateConversationLogs(ctx context.Context, logs []ConversationLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMillis()
	for _, l := range logs {
		if l.ID == "" {
			l.ID = newID()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_logs (id, conversation_id, user_id, start_time, end_time, speaker, summary, transcript_excerpt, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, l.ConversationID, l.UserID, l.StartTime, l.EndTime, l.Speaker, l.Summary, l.TranscriptExcerpt, now); err != nil {
			return fmt.Errorf("create conversation log: %w", err)
		}
	}
	return tx.Commit()
}

// ListConversationLogs returns the logs of a conversation ordered by start.
func (s *SQLiteStore) ListConversationLogs(ctx context.Context, userID, conversationID string) ([]ConversationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, start_time, end_time, speaker, summary, transcript_excerpt, created_at
		FROM conversation_logs
		WHERE conversation_id = ? AND user_id = ?
		ORDER BY start_time ASC
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversation logs: %w", err)
	}
	defer rows.Close()

	var out []ConversationLog
	for rows.Next() {
		var l ConversationLog
		var created int64
		if err := rows.Scan(&l.ID, &l.ConversationID, &l.UserID, &l.StartTime, &l.EndTime, &l.Speaker,
			&l.Summary, &l.TranscriptExcerpt, &created); err != nil {
			return nil, fmt.Errorf("scan conversation log: %w", err)
		}
		l.CreatedAt = fromMillis(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// RegisterPushToken registers or updates a device push token for a user.
func (s *SQLiteStore) RegisterPushToken(ctx context.Context, userID, token, platform string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_push_tokens (id, user_id, token, platform, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, token) DO UPDATE SET
			platform = excluded.platform,
			created_at = excluded.created_at
	`, newID(), userID, token, platform, s.nowMillis())
	return err
}

// UnregisterPushToken removes a device push token.
func (s *SQLiteStore) UnregisterPushToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_push_tokens WHERE token = ?`, token)
	return err
}

// GetUserPushTokens returns all push tokens for a user.
func (s *SQLiteStore) GetUserPushTokens(ctx context.Context, userID string) ([]DevicePushToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, token, platform, created_at
		FROM device_push_tokens
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []DevicePushToken
	for rows.Next() {
		var t DevicePushToken
		var created int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(created)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
