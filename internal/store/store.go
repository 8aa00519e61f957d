package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL backed persistence layer.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// PoolConfig tunes the connection pool opened by OpenPool.
type PoolConfig struct {
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
}

// OpenPool parses dsn, applies pool settings and verifies the connection.
func OpenPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLife > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLife
	}
	if cfg.MaxConnIdle > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdle
	}
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// CreateConversation inserts a conversation. An existing row with the same
// id is left untouched.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	if c.Status == "" {
		c.Status = ConversationActive
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.UserID, c.Title, c.Status)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation owned by userID.
func (s *Store) GetConversation(ctx context.Context, userID, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, title, status, audio_url, transcript, last_transcript_preview, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&c.ID, &c.UserID, &c.Title, &c.Status, &c.AudioURL, &c.Transcript,
		&c.LastTranscriptPreview, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// UpdateConversation applies the non-nil fields of u.
func (s *Store) UpdateConversation(ctx context.Context, userID, id string, u ConversationUpdate) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET title = COALESCE($3, title),
		    status = COALESCE($4, status),
		    audio_url = COALESCE($5, audio_url),
		    transcript = COALESCE($6, transcript),
		    last_transcript_preview = COALESCE($7, last_transcript_preview),
		    updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID, u.Title, u.Status, u.AudioURL, u.Transcript, u.LastTranscriptPreview)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleConversations returns active conversations not updated since before.
func (s *Store) ListStaleConversations(ctx context.Context, before time.Time, limit int) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, title, status, audio_url, transcript, last_transcript_preview, created_at, updated_at
		FROM conversations
		WHERE status = 'active' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Status, &c.AudioURL, &c.Transcript,
			&c.LastTranscriptPreview, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Actions
// ============================================================================

// CreateAction inserts a detected action with status created.
func (s *Store) CreateAction(ctx context.Context, a Action) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO actions (id, conversation_id, user_id, type, status, title, body, query, datetime,
			transcript_start, transcript_end, transcript_excerpt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.ConversationID, a.UserID, a.Type, ActionCreated, a.Title, a.Body, a.Query, a.Datetime,
		a.TranscriptStart, a.TranscriptEnd, a.TranscriptExcerpt)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

const actionColumns = `id, conversation_id, user_id, type, status, title, body, query, datetime,
	transcript_start, transcript_end, transcript_excerpt, created_at, updated_at`

func scanAction(row pgx.Row) (Action, error) {
	var a Action
	err := row.Scan(&a.ID, &a.ConversationID, &a.UserID, &a.Type, &a.Status, &a.Title, &a.Body, &a.Query,
		&a.Datetime, &a.TranscriptStart, &a.TranscriptEnd, &a.TranscriptExcerpt, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// GetAction returns an action owned by userID.
func (s *Store) GetAction(ctx context.Context, userID, id string) (*Action, error) {
	a, err := scanAction(s.db.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &a, nil
}

// ListActions returns the actions of a conversation in creation order.
func (s *Store) ListActions(ctx context.Context, userID, conversationID string) ([]Action, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE conversation_id = $1 AND user_id = $2
		ORDER BY created_at ASC
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateActionStatus moves an action along its lifecycle.
func (s *Store) UpdateActionStatus(ctx context.Context, userID, id, status string) error {
	a, err := s.GetAction(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ValidTransition(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE actions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = $4
	`, id, userID, status, a.Status)
	if err != nil {
		return fmt.Errorf("update action status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	return nil
}

// ============================================================================
// Conversation logs
// ============================================================================

// CreateConversationLogs inserts logs in one batch.
func (s *Store) CreateConversationLogs(ctx context.Context, logs []ConversationLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		if l.ID == "" {
			l.ID = newID()
		}
		batch.Queue(`
			INSERT INTO conversation_logs (id, conversation_id, user_id, start_time, end_time, speaker, summary, transcript_excerpt)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, l.ID, l.ConversationID, l.UserID, l.StartTime, l.EndTime, l.Speaker, l.Summary, l.TranscriptExcerpt)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create conversation logs: %w", err)
	}
	return nil
}

// ListConversationLogs returns the logs of a conversation ordered by start.
func (s *Store) ListConversationLogs(ctx context.Context, userID, conversationID string) ([]ConversationLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, user_id, start_time, end_time, speaker, summary, transcript_excerpt, created_at
		FROM conversation_logs
		WHERE conversation_id = $1 AND user_id = $2
		ORDER BY start_time ASC
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversation logs: %w", err)
	}
	defer rows.Close()

	var out []ConversationLog
	for rows.Next() {
		var l ConversationLog
		if err := rows.Scan(&l.ID, &l.ConversationID, &l.UserID, &l.StartTime, &l.EndTime, &l.Speaker,
			&l.Summary, &l.TranscriptExcerpt, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
