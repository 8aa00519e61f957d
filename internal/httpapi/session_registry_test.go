package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSessionRegistry_AddAndRemove(t *testing.T) {
	sr := NewSessionRegistry()

	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", sr.ActiveCount())
	}

	a, b := &streamSession{}, &streamSession{}
	if err := sr.Add("a", a); err != nil {
		t.Fatalf("Add(a) error = %v", err)
	}
	if err := sr.Add("b", b); err != nil {
		t.Fatalf("Add(b) error = %v", err)
	}
	if sr.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", sr.ActiveCount())
	}
	if !sr.Has("a") || sr.Has("c") {
		t.Error("Has() does not match registered sessions")
	}

	sr.Remove("a", a)
	if sr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1 after one Remove()", sr.ActiveCount())
	}

	// Removing twice is a no-op.
	sr.Remove("a", a)
	if sr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1 after repeated Remove()", sr.ActiveCount())
	}

	sr.Remove("b", b)
	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after all Remove()", sr.ActiveCount())
	}
}

func TestSessionRegistry_DuplicateConversation(t *testing.T) {
	sr := NewSessionRegistry()
	first, second := &streamSession{}, &streamSession{}

	if err := sr.Add("c1", first); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := sr.Add("c1", second); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Add() duplicate error = %v, want ErrSessionExists", err)
	}

	// A stale Remove from another session must not evict the live one.
	sr.Remove("c1", second)
	if got, ok := sr.Get("c1"); !ok || got != first {
		t.Error("live session was evicted by a different session")
	}
}

func TestSessionRegistry_Draining(t *testing.T) {
	sr := NewSessionRegistry()

	if sr.IsDraining() {
		t.Error("IsDraining() should be false initially")
	}

	live := &streamSession{}
	if err := sr.Add("live", live); err != nil {
		t.Fatalf("Add() should succeed before draining: %v", err)
	}

	sr.StartDraining()

	if !sr.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}

	// New sessions should be rejected
	if err := sr.Add("new", &streamSession{}); !errors.Is(err, ErrDraining) {
		t.Errorf("Add() error = %v, want ErrDraining", err)
	}

	// Active count should still be 1 (the pre-drain session)
	if sr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", sr.ActiveCount())
	}

	sr.Remove("live", live)
	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", sr.ActiveCount())
	}
}

func TestSessionRegistry_WaitBlocksUntilRemoved(t *testing.T) {
	sr := NewSessionRegistry()
	a, b := &streamSession{}, &streamSession{}
	_ = sr.Add("a", a)
	_ = sr.Add("b", b)

	done := make(chan error, 1)
	go func() {
		done <- sr.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait() should block while sessions are live")
	case <-time.After(20 * time.Millisecond):
	}

	sr.Remove("a", a)

	select {
	case <-done:
		t.Fatal("Wait() should block while sessions are live")
	case <-time.After(20 * time.Millisecond):
	}

	sr.Remove("b", b)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after all sessions were removed")
	}
}

func TestSessionRegistry_WaitTimeout(t *testing.T) {
	sr := NewSessionRegistry()
	_ = sr.Add("a", &streamSession{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestSessionRegistry_DrainDuringConcurrentAdds(t *testing.T) {
	sr := NewSessionRegistry()
	const n = 100

	var wg sync.WaitGroup
	var accepted, rejected int64
	var mu sync.Mutex

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conv-%d", i)
			s := &streamSession{}
			if err := sr.Add(id, s); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				defer sr.Remove(id, s)
			} else {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}(i)

		// Start draining midway
		if i == n/2 {
			sr.StartDraining()
		}
	}

	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if rejected == 0 {
		t.Error("expected some sessions to be rejected after draining started")
	}
	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", sr.ActiveCount())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	sr := NewSessionRegistry()
	r := &Router{
		logger:   log.New(io.Discard, "", 0),
		sessions: sr,
	}

	t.Run("returns 200 when not draining", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		r.handleReadyz(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if body := rec.Body.String(); body != "ok" {
			t.Errorf("body = %q, want %q", body, "ok")
		}
	})

	t.Run("returns 503 when draining", func(t *testing.T) {
		sr.StartDraining()

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		r.handleReadyz(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
		if body := strings.TrimSpace(rec.Body.String()); body != "draining" {
			t.Errorf("body = %q, want %q", body, "draining")
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	sr := NewSessionRegistry()
	_ = sr.Add("a", &streamSession{})
	r := &Router{logger: log.New(io.Discard, "", 0), sessions: sr}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	r.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"active_sessions":1`) || !strings.Contains(body, `"draining":false`) {
		t.Errorf("body = %s", body)
	}
}
