package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist for the given user.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned for an action status change that the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("store: invalid action status transition")

// Conversation statuses.
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
)

// Action statuses.
const (
	ActionCreated   = "created"
	ActionAccepted  = "accepted"
	ActionDeleted   = "deleted"
	ActionCompleted = "completed"
)

// Conversation is one recorded conversation.
type Conversation struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	Title                 string    `json:"title"`
	Status                string    `json:"status"`
	AudioURL              *string   `json:"audio_url,omitempty"`
	Transcript            string    `json:"transcript"`
	LastTranscriptPreview string    `json:"last_transcript_preview"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ConversationUpdate holds the fields to change; nil fields are kept.
type ConversationUpdate struct {
	Title                 *string
	Status                *string
	AudioURL              *string
	Transcript            *string
	LastTranscriptPreview *string
}

// Action is a persisted detected action.
type Action struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	Title             string     `json:"title"`
	Body              string     `json:"body,omitempty"`
	Query             string     `json:"query,omitempty"`
	Datetime          *time.Time `json:"datetime,omitempty"`
	TranscriptStart   int64      `json:"transcript_start"`
	TranscriptEnd     int64      `json:"transcript_end"`
	TranscriptExcerpt string     `json:"transcript_excerpt"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ConversationLog is a time ranged summary entry of a conversation.
type ConversationLog struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	UserID            string    `json:"user_id"`
	StartTime         int64     `json:"start_time"`
	EndTime           int64     `json:"end_time"`
	Speaker           string    `json:"speaker"` // "user" or "assistant"
	Summary           string    `json:"summary"`
	TranscriptExcerpt string    `json:"transcript_excerpt"`
	CreatedAt         time.Time `json:"created_at"`
}

// DevicePushToken represents a push notification token for a device
type DevicePushToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"` // "ios" or "android"
	CreatedAt time.Time `json:"created_at"`
}

// ValidTransition reports whether an action may move from one status to
// another: created -> accepted|deleted, accepted -> completed|deleted.
func ValidTransition(from, to string) bool {
	switch from {
	case ActionCreated:
		return to == ActionAccepted || to == ActionDeleted
	case ActionAccepted:
		return to == ActionCompleted || to == ActionDeleted
	}
	return false
}
