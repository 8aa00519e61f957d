package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/otohq/voiceapi/internal/store"
)

// ConversationStore is the persistence the sweeper needs.
type ConversationStore interface {
	ListStaleConversations(ctx context.Context, before time.Time, limit int) ([]store.Conversation, error)
	UpdateConversation(ctx context.Context, userID, id string, u store.ConversationUpdate) error
}

// LiveSessions reports whether a conversation still has a connected session.
type LiveSessions interface {
	Has(conversationID string) bool
}

// StaleConversationJob archives conversations left active by sessions that
// never reached completion (crashed process, dropped connection).
// It runs on a configurable interval (default: 10 minutes).
type StaleConversationJob struct {
	store    ConversationStore
	live     LiveSessions
	logger   *log.Logger
	interval time.Duration
	after    time.Duration
	batch    int
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStaleConversationJob creates a new sweeper. Conversations whose last
// update is older than after are archived unless live reports them active.
func NewStaleConversationJob(s ConversationStore, live LiveSessions, logger *log.Logger, interval, after time.Duration) *StaleConversationJob {
	if interval == 0 {
		interval = 10 * time.Minute
	}
	if after == 0 {
		after = 6 * time.Hour
	}
	return &StaleConversationJob{
		store:    s,
		live:     live,
		logger:   logger,
		interval: interval,
		after:    after,
		batch:    100,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *StaleConversationJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("StaleConversationJob: started (interval=%v, after=%v)", j.interval, j.after)
}

// Stop gracefully stops the background job.
func (j *StaleConversationJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
	j.logger.Println("StaleConversationJob: stopped")
}

func (j *StaleConversationJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.RunOnce(context.Background())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunOnce(context.Background())
		case <-j.stopCh:
			return
		}
	}
}

// RunOnce performs a single sweep and returns the number of archived
// conversations.
func (j *StaleConversationJob) RunOnce(ctx context.Context) int {
	conversations, err := j.store.ListStaleConversations(ctx, j.now().Add(-j.after), j.batch)
	if err != nil {
		j.logger.Printf("StaleConversationJob: failed to list stale conversations: %v", err)
		return 0
	}

	archived := 0
	status := store.ConversationArchived
	for _, c := range conversations {
		if j.live != nil && j.live.Has(c.ID) {
			continue
		}
		if err := j.store.UpdateConversation(ctx, c.UserID, c.ID, store.ConversationUpdate{Status: &status}); err != nil {
			j.logger.Printf("StaleConversationJob: failed to archive conversation %s: %v", c.ID, err)
			continue
		}
		archived++
	}

	if archived > 0 {
		j.logger.Printf("StaleConversationJob: archived %d stale conversations", archived)
	}
	return archived
}
