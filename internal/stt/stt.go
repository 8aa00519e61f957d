package stt

import (
	"context"
	"errors"
)

// EventType identifies what a provider reported.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventPartial      EventType = "partial-transcript"
	EventFinal        EventType = "final-transcript"
	EventError        EventType = "error"
	EventDisconnected EventType = "disconnected"
)

// ErrTransport marks a provider connection failure that could not be recovered.
var ErrTransport = errors.New("stt: provider transport failure")

// ErrStopped is returned by SendAudio after Stop.
var ErrStopped = errors.New("stt: provider stopped")

// Event is one provider emission. Audio offsets are milliseconds since the
// first byte of audio sent in the session.
type Event struct {
	Type       EventType
	SessionID  string  // connected only
	Text       string  // partial and final
	Confidence float64 // partial and final
	AudioStart int64   // final only
	AudioEnd   int64   // final only
	Err        error   // error only
}

// Provider defines the interface for streaming speech-to-text backends.
// Events are delivered in order on a single channel which is closed once
// the provider has fully stopped.
type Provider interface {
	// Start opens the upstream connection in the background. Calling it
	// again after the first call is a no-op.
	Start(ctx context.Context) error

	// SendAudio forwards audio. Before the connection is ready the bytes
	// are queued and flushed in order once it is.
	SendAudio(ctx context.Context, audio []byte) error

	// Stop ends the upstream session, discards unsent audio and returns the
	// accumulated final transcript. It waits at most until ctx is done.
	Stop(ctx context.Context) (string, error)

	// Events returns the ordered event channel.
	Events() <-chan Event
}
