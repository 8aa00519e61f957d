package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/otohq/voiceapi/internal/store"
)

type liveSet map[string]bool

func (l liveSet) Has(id string) bool { return l[id] }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStaleConversationJobArchives(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := "user-1"
	stale, live := uuid.NewString(), uuid.NewString()
	for _, id := range []string{stale, live} {
		if err := s.CreateConversation(ctx, store.Conversation{ID: id, UserID: user}); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}

	job := NewStaleConversationJob(s, liveSet{live: true}, log.New(io.Discard, "", 0), time.Hour, time.Minute)
	job.now = func() time.Time { return time.Now().Add(time.Hour) }

	if n := job.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce archived %d, want 1", n)
	}

	c, err := s.GetConversation(ctx, user, stale)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if c.Status != store.ConversationArchived {
		t.Errorf("stale status = %q, want archived", c.Status)
	}
	c, err = s.GetConversation(ctx, user, live)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if c.Status != store.ConversationActive {
		t.Errorf("live status = %q, want active", c.Status)
	}

	// Already archived rows are not listed again.
	if n := job.RunOnce(ctx); n != 0 {
		t.Errorf("second RunOnce archived %d, want 0", n)
	}
}

func TestStaleConversationJobSkipsFresh(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := uuid.NewString()
	_ = s.CreateConversation(ctx, store.Conversation{ID: id, UserID: "u"})

	job := NewStaleConversationJob(s, nil, log.New(io.Discard, "", 0), time.Hour, time.Hour)
	if n := job.RunOnce(ctx); n != 0 {
		t.Errorf("RunOnce archived %d fresh conversations", n)
	}
}

type failingStore struct{}

func (failingStore) ListStaleConversations(context.Context, time.Time, int) ([]store.Conversation, error) {
	return nil, errors.New("db down")
}

func (failingStore) UpdateConversation(context.Context, string, string, store.ConversationUpdate) error {
	return nil
}

func TestStaleConversationJobListError(t *testing.T) {
	job := NewStaleConversationJob(failingStore{}, nil, log.New(io.Discard, "", 0), 0, 0)
	if job.interval != 10*time.Minute || job.after != 6*time.Hour {
		t.Errorf("defaults = %v, %v", job.interval, job.after)
	}
	if n := job.RunOnce(context.Background()); n != 0 {
		t.Errorf("RunOnce = %d, want 0", n)
	}
}

func TestStaleConversationJobStartStop(t *testing.T) {
	job := NewStaleConversationJob(failingStore{}, nil, log.New(io.Discard, "", 0), time.Millisecond, time.Minute)
	job.Start()
	time.Sleep(5 * time.Millisecond)
	job.Stop()
	job.Stop() // idempotent
}
