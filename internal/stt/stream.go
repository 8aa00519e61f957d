package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout  = 10 * time.Second
	drainTimeout  = 3 * time.Second
	eventsBuffer  = 256
	reconnectStep = 250 * time.Millisecond
)

// errUpstreamDone is returned by a read loop once the upstream confirmed
// the end of its session.
var errUpstreamDone = errors.New("upstream session ended")

// upstreamError is an error reported by the provider in-band. It is never
// retried.
type upstreamError struct {
	msg string
}

func (e *upstreamError) Error() string { return "upstream: " + e.msg }

// dialect is the provider specific part of a streaming connection.
type dialect interface {
	name() string
	dial(ctx context.Context) (conn *websocket.Conn, sessionID string, err error)
	frame(audio []byte) (messageType int, data []byte)
	terminateMessage() []byte
	// parse decodes one upstream message. offsetMs is added to the
	// connection-relative timestamps. done reports that upstream confirmed
	// termination.
	parse(msg []byte, offsetMs int64) (events []Event, done bool, err error)
}

type streamState int

const (
	stateIdle streamState = iota
	stateConnecting
	stateConnected
	stateStopping
	stateStopped
)

type streamOptions struct {
	bytesPerMs        int64
	maxStreamDuration time.Duration
	maxReconnects     int
	logger            *log.Logger
}

// stream implements Provider on top of a dialect: audio queueing before
// connect, ordered event delivery, reconnects and forced stream rotation.
type stream struct {
	d      dialect
	opts   streamOptions
	logger *log.Logger

	events   chan Event
	stopping chan struct{}
	finished chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	state   streamState
	conn    *websocket.Conn
	backlog [][]byte
	sent    int64

	textMu sync.Mutex
	finals []string

	closeOnce sync.Once
}

func newStream(d dialect, opts streamOptions) *stream {
	if opts.logger == nil {
		opts.logger = log.New(io.Discard, "", 0)
	}
	if opts.bytesPerMs <= 0 {
		opts.bytesPerMs = 32 // 16kHz, 16-bit mono
	}
	return &stream{
		d:        d,
		opts:     opts,
		logger:   opts.logger,
		events:   make(chan Event, eventsBuffer),
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Events returns the ordered event channel.
func (s *stream) Events() <-chan Event {
	return s.events
}

// Start opens the upstream connection in the background.
func (s *stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateIdle:
	case stateStopping, stateStopped:
		return ErrStopped
	default:
		return nil
	}

	s.state = stateConnecting
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	return nil
}

// SendAudio writes audio upstream, or queues it until the connection is ready.
func (s *stream) SendAudio(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateStopping, stateStopped:
		return ErrStopped
	case stateConnected:
		if err := s.writeLocked(audio); err != nil {
			s.logger.Printf("stt/%s: write failed, queueing for reconnect: %v", s.d.name(), err)
			s.backlog = append(s.backlog, clone(audio))
			s.breakLocked()
		}
		return nil
	default:
		s.backlog = append(s.backlog, clone(audio))
		return nil
	}
}

// Stop terminates the upstream session and returns the final transcript.
func (s *stream) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	switch s.state {
	case stateIdle:
		s.state = stateStopped
		s.mu.Unlock()
		s.closeEvents()
		return "", nil
	case stateStopping, stateStopped:
		s.mu.Unlock()
		select {
		case <-s.finished:
		case <-ctx.Done():
		}
		return s.Transcript(), nil
	}

	wasConnected := s.state == stateConnected
	s.state = stateStopping
	s.backlog = nil
	if wasConnected && s.conn != nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, s.d.terminateMessage()); err != nil {
			s.logger.Printf("stt/%s: failed to send terminate: %v", s.d.name(), err)
		}
	}
	s.mu.Unlock()
	close(s.stopping)

	var err error
	select {
	case <-s.finished:
	case <-ctx.Done():
		err = fmt.Errorf("stt: %s stop: %w", s.d.name(), ctx.Err())
		s.cancel()
		<-s.finished
	}
	return s.Transcript(), err
}

// Transcript returns all final text received so far.
func (s *stream) Transcript() string {
	s.textMu.Lock()
	defer s.textMu.Unlock()
	return strings.Join(s.finals, " ")
}

type serveOutcome int

const (
	outcomeStopped serveOutcome = iota
	outcomeRotated
	outcomeFailed
)

func (s *stream) run() {
	defer s.finish()

	attempts := 0
	connected := false
	for {
		if s.isStopping() {
			return
		}

		conn, sessionID, err := s.d.dial(s.ctx)
		if err != nil {
			if s.isStopping() || s.ctx.Err() != nil {
				return
			}
			if retryableDial(err) && attempts < s.opts.maxReconnects {
				attempts++
				s.logger.Printf("stt/%s: dial failed (attempt %d): %v", s.d.name(), attempts, err)
				if !s.backoff(attempts) {
					return
				}
				continue
			}
			s.fail(fmt.Errorf("%w: %s dial: %v", ErrTransport, s.d.name(), err))
			return
		}

		offset, ok := s.attach(conn)
		if !ok {
			conn.Close()
			return
		}
		if !connected {
			connected = true
			s.emit(Event{Type: EventConnected, SessionID: sessionID})
		}

		outcome, err := s.serve(conn, offset)
		switch outcome {
		case outcomeStopped:
			return
		case outcomeRotated:
			attempts = 0
			continue
		}

		if s.isStopping() {
			return
		}
		if recoverable(err) && attempts < s.opts.maxReconnects {
			attempts++
			s.logger.Printf("stt/%s: connection lost, reconnecting (attempt %d): %v", s.d.name(), attempts, err)
			if !s.backoff(attempts) {
				return
			}
			continue
		}
		s.fail(fmt.Errorf("%w: %s: %v", ErrTransport, s.d.name(), err))
		return
	}
}

// attach makes conn the active connection and flushes the backlog through
// it. It returns the audio offset of the new connection.
func (s *stream) attach(conn *websocket.Conn) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnecting {
		return 0, false
	}

	offset := s.sent / s.opts.bytesPerMs
	s.conn = conn
	s.state = stateConnected

	for len(s.backlog) > 0 {
		if err := s.writeLocked(s.backlog[0]); err != nil {
			s.logger.Printf("stt/%s: backlog flush failed: %v", s.d.name(), err)
			s.breakLocked()
			break
		}
		s.backlog = s.backlog[1:]
	}
	return offset, true
}

func (s *stream) serve(conn *websocket.Conn, offset int64) (serveOutcome, error) {
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn, offset)
	}()

	var rotate <-chan time.Time
	if s.opts.maxStreamDuration > 0 {
		timer := time.NewTimer(s.opts.maxStreamDuration)
		defer timer.Stop()
		rotate = timer.C
	}

	select {
	case err := <-readErr:
		conn.Close()
		if s.isStopping() {
			return outcomeStopped, nil
		}
		s.mu.Lock()
		if s.state == stateConnected {
			s.state = stateConnecting
		}
		s.mu.Unlock()
		return outcomeFailed, err
	case <-s.stopping:
		s.drain(conn, readErr)
		return outcomeStopped, nil
	case <-s.ctx.Done():
		conn.Close()
		<-readErr
		return outcomeStopped, nil
	case <-rotate:
		s.logger.Printf("stt/%s: rotating stream after %s", s.d.name(), s.opts.maxStreamDuration)
		s.mu.Lock()
		if s.state == stateConnected {
			s.state = stateConnecting
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, s.d.terminateMessage())
		}
		s.mu.Unlock()
		s.drain(conn, readErr)
		if s.isStopping() {
			return outcomeStopped, nil
		}
		return outcomeRotated, nil
	}
}

// drain waits for the read loop of a terminating connection so its last
// results are delivered before anything from a newer connection.
func (s *stream) drain(conn *websocket.Conn, readErr <-chan error) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	select {
	case <-readErr:
		conn.Close()
		return
	case <-timer.C:
	case <-s.ctx.Done():
	}
	conn.Close()
	<-readErr
}

func (s *stream) readLoop(conn *websocket.Conn, offset int64) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		events, done, err := s.d.parse(msg, offset)
		if err != nil {
			var ue *upstreamError
			if errors.As(err, &ue) {
				return err
			}
			s.logger.Printf("stt/%s: failed to parse message: %v", s.d.name(), err)
			continue
		}
		for _, ev := range events {
			s.emit(ev)
		}
		if done {
			return errUpstreamDone
		}
	}
}

func (s *stream) writeLocked(audio []byte) error {
	mt, data := s.d.frame(audio)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(mt, data); err != nil {
		return err
	}
	s.sent += int64(len(audio))
	return nil
}

// breakLocked drops a connection that failed a write. The read loop sees
// the closed socket and the run loop reconnects.
func (s *stream) breakLocked() {
	s.state = stateConnecting
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *stream) emit(ev Event) {
	if ev.Type == EventFinal && ev.Text != "" {
		s.textMu.Lock()
		s.finals = append(s.finals, ev.Text)
		s.textMu.Unlock()
	}

	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		s.logger.Printf("stt/%s: dropping %s event after cancel", s.d.name(), ev.Type)
	}
}

func (s *stream) fail(err error) {
	s.logger.Printf("stt/%s: %v", s.d.name(), err)
	s.emit(Event{Type: EventError, Err: err})
}

func (s *stream) finish() {
	s.mu.Lock()
	s.state = stateStopped
	s.conn = nil
	s.backlog = nil
	s.mu.Unlock()

	s.emit(Event{Type: EventDisconnected})
	s.cancel()
	s.closeEvents()
}

func (s *stream) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
		close(s.finished)
	})
}

func (s *stream) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (s *stream) backoff(attempt int) bool {
	timer := time.NewTimer(time.Duration(attempt) * reconnectStep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopping:
		return false
	case <-s.ctx.Done():
		return false
	}
}

func recoverable(err error) bool {
	if errors.Is(err, errUpstreamDone) {
		return true
	}
	var ue *upstreamError
	if errors.As(err, &ue) {
		return false
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
			websocket.CloseInternalServerErr,
			websocket.CloseServiceRestart,
			websocket.CloseTryAgainLater:
			return true
		}
		return false
	}
	return true
}

func retryableDial(err error) bool {
	if errors.Is(err, websocket.ErrBadHandshake) {
		return false
	}
	var ue *upstreamError
	return !errors.As(err, &ue)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
