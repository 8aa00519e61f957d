package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted     EventType = "session_started"
	EventAuthFailed         EventType = "auth_failed"
	EventAuthenticated      EventType = "authenticated"
	EventProviderConnected  EventType = "provider_connected"
	EventFinalTranscript    EventType = "final_transcript"
	EventSegmentsBeautified EventType = "segments_beautified"
	EventActionDetected     EventType = "action_detected"
	EventSessionCompleted   EventType = "session_completed"
	EventSessionErrored     EventType = "session_errored"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger. A nil pool disables logging.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, conversationID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || conversationID == "" {
		return nil // Silently skip if no DB or conversation ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (conversation_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, conversationID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(conversationID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || conversationID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, conversationID, eventType, data)
	}()
}
