package httpapi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrDraining is returned by Add once the registry stopped accepting sessions.
	ErrDraining = errors.New("server is draining")
	// ErrSessionExists is returned by Add when the conversation already streams.
	ErrSessionExists = errors.New("conversation already has a live session")
)

// SessionRegistry tracks live stream sessions and supports graceful draining.
// When draining is enabled, new sessions are rejected while in-flight
// sessions finish naturally or are shut down.
//
// The mu mutex makes the draining check, map insert and wg.Add atomic in
// Add(), so StartDraining+Wait cannot miss a session added concurrently.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	sessions map[string]*streamSession
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*streamSession)}
}

// Add registers a live session under its conversation id.
func (sr *SessionRegistry) Add(id string, s *streamSession) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return ErrDraining
	}
	if _, ok := sr.sessions[id]; ok {
		return ErrSessionExists
	}
	sr.sessions[id] = s
	sr.wg.Add(1)
	sr.count.Add(1)
	return nil
}

// Remove unregisters a session. Must be called exactly once per successful
// Add; a different session registered under the same id is left alone.
func (sr *SessionRegistry) Remove(id string, s *streamSession) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	cur, ok := sr.sessions[id]
	if !ok || cur != s {
		return
	}
	delete(sr.sessions, id)
	sr.count.Add(-1)
	sr.wg.Done()
}

// Get returns the live session of a conversation.
func (sr *SessionRegistry) Get(id string) (*streamSession, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	s, ok := sr.sessions[id]
	return s, ok
}

// Has reports whether a conversation has a live session.
func (sr *SessionRegistry) Has(id string) bool {
	_, ok := sr.Get(id)
	return ok
}

// Range calls fn for a snapshot of the live sessions until fn returns false.
func (sr *SessionRegistry) Range(fn func(id string, s *streamSession) bool) {
	sr.mu.Lock()
	snapshot := make(map[string]*streamSession, len(sr.sessions))
	for id, s := range sr.sessions {
		snapshot[id] = s
	}
	sr.mu.Unlock()

	for id, s := range snapshot {
		if !fn(id, s) {
			return
		}
	}
}

// ShutdownAll asks every live session to complete and close with code 1001.
func (sr *SessionRegistry) ShutdownAll() {
	sr.Range(func(_ string, s *streamSession) bool {
		s.Shutdown()
		return true
	})
}

// StartDraining sets the draining flag so that future Add calls fail.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of live sessions.
func (sr *SessionRegistry) ActiveCount() int64 {
	return sr.count.Load()
}

// Wait blocks until all live sessions have been removed or ctx is done.
func (sr *SessionRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
