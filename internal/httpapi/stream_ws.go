package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/otohq/voiceapi/internal/actions"
	"github.com/otohq/voiceapi/internal/costs"
	"github.com/otohq/voiceapi/internal/eventlog"
	"github.com/otohq/voiceapi/internal/llm"
	"github.com/otohq/voiceapi/internal/notifications"
	"github.com/otohq/voiceapi/internal/storage"
	"github.com/otohq/voiceapi/internal/store"
	"github.com/otohq/voiceapi/internal/stt"
	"github.com/otohq/voiceapi/internal/transcript"
)

// ErrPersistence marks a storage failure while finishing a session.
var ErrPersistence = errors.New("persistence failure")

// Persistence is the storage a stream session writes to.
type Persistence interface {
	CreateConversation(ctx context.Context, c store.Conversation) error
	GetConversation(ctx context.Context, userID, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, userID, id string, u store.ConversationUpdate) error
	CreateAction(ctx context.Context, a store.Action) error
	CreateConversationLogs(ctx context.Context, logs []store.ConversationLog) error
	RegisterPushToken(ctx context.Context, userID, token, platform string) error
	UnregisterPushToken(ctx context.Context, token string) error
	GetUserPushTokens(ctx context.Context, userID string) ([]store.DevicePushToken, error)
}

// AudioStorage stores the session recording and returns its URL.
type AudioStorage interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// ActionNotifier pushes a detected action to a device.
type ActionNotifier interface {
	SendActionNotification(deviceToken string, n notifications.ActionNotification) error
}

// ErrorReporter alerts operators about errored sessions.
type ErrorReporter interface {
	NotifySessionError(ctx context.Context, conversationID, userID string, cause error)
}

// ProviderFactory builds a fresh speech-to-text provider for one session.
type ProviderFactory func() (stt.Provider, error)

// StreamConfig tunes stream sessions.
type StreamConfig struct {
	BeautifyInterval    time.Duration
	DetectInterval      time.Duration
	BeautifyMinBatch    int
	DetectMinText       int
	ImmediateDetection  bool
	ProviderStopTimeout time.Duration // cap on waiting for the provider flush
	FinalizeTimeout     time.Duration // cap on the completion LLM and storage calls
	AuthTimeout         time.Duration
	STTProvider         string // for cost estimates
	SampleRate          int
	MaxRecordingBytes   int
	ActionLocation      *time.Location // nil means UTC
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.BeautifyInterval <= 0 {
		c.BeautifyInterval = 5 * time.Second
	}
	if c.DetectInterval <= 0 {
		c.DetectInterval = 10 * time.Second
	}
	if c.ProviderStopTimeout <= 0 {
		c.ProviderStopTimeout = 5 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 60 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MaxRecordingBytes <= 0 {
		c.MaxRecordingBytes = 100 * 1024 * 1024
	}
	return c
}

// Close codes not predefined by gorilla/websocket.
const closeTryAgainLater = 1013

const writeWait = 10 * time.Second

type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateStreaming
	stateCompleting
	stateClosed
	stateErrored
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingAuth:
		return "awaiting_auth"
	case stateStreaming:
		return "streaming"
	case stateCompleting:
		return "completing"
	case stateClosed:
		return "closed"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	conversationID := req.PathValue("id")
	if _, err := uuid.Parse(conversationID); err != nil {
		http.Error(w, `{"error": "invalid conversation id"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("stream_ws: upgrade failed: %v", err)
		return
	}

	s := r.newStreamSession(req.Context(), conn, conversationID)
	if err := r.sessions.Add(conversationID, s); err != nil {
		code := closeTryAgainLater
		if errors.Is(err, ErrSessionExists) {
			code = websocket.ClosePolicyViolation
			s.sendError(err.Error())
		}
		r.logger.Printf("stream_ws: rejecting conversation %s: %v", conversationID, err)
		s.closeConn(code, err.Error())
		return
	}
	defer r.sessions.Remove(conversationID, s)

	r.logger.Printf("stream_ws: connection established for conversation %s", conversationID)
	s.run()
}

// streamSession owns one client socket and the pipeline behind it.
type streamSession struct {
	conversationID string
	sessionID      string
	userID         string

	conn      *websocket.Conn
	connMu    sync.Mutex
	closeOnce sync.Once

	cfg         StreamConfig
	logger      *log.Logger
	store       Persistence
	eventLog    *eventlog.Logger
	auth        *CredentialChecker
	completer   llm.Completer
	newProvider ProviderFactory
	audio       AudioStorage
	push        ActionNotifier
	alerts      ErrorReporter

	mu    sync.Mutex
	state sessionState

	segments   *transcript.Store
	beautifier *transcript.Beautifier
	detector   *actions.Detector
	provider   stt.Provider
	meter      *costs.Meter
	recorder   *storage.Recorder
	pumpDone   chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	taskCtx     context.Context
	cancelTasks context.CancelFunc
	tasks       sync.WaitGroup

	closed     chan struct{}
	closedOnce sync.Once
}

func (r *Router) newStreamSession(ctx context.Context, conn *websocket.Conn, conversationID string) *streamSession {
	ctx, cancel := context.WithCancel(ctx)
	return &streamSession{
		conversationID: conversationID,
		sessionID:      uuid.Must(uuid.NewV7()).String(),
		conn:           conn,
		cfg:            r.cfg.Stream,
		logger:         r.logger,
		store:          r.store,
		eventLog:       r.eventLog,
		auth:           r.auth,
		completer:      r.completer,
		newProvider:    r.newProvider,
		audio:          r.audio,
		push:           r.push,
		alerts:         r.alerts,
		state:          stateAwaitingAuth,
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
}

func (s *streamSession) run() {
	defer s.cleanup()

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	s.readLoop()

	// Client went away or sent complete. Finishing is a no-op if another
	// path (shutdown, fatal error) already did it.
	s.complete(websocket.CloseNormalClosure, "Conversation completed")
	<-s.closed
}

func (s *streamSession) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("stream_ws: connection closed for conversation %s", s.conversationID)
			} else if s.getState() < stateCompleting {
				s.logger.Printf("stream_ws: read error for conversation %s: %v", s.conversationID, err)
			}
			return
		}
		if done := s.handleMessage(msg); done {
			return
		}
	}
}

// handleMessage dispatches one client frame and reports whether the read
// loop should stop.
func (s *streamSession) handleMessage(raw []byte) bool {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		s.fail(fmt.Errorf("malformed message: %w", errOrMissingType(err)), websocket.ClosePolicyViolation, "Invalid message format", false)
		return true
	}

	switch s.getState() {
	case stateAwaitingAuth:
		if msg.Type != msgAuth {
			s.sendError("Not authenticated")
			return false
		}
		return s.handleAuth(msg.Data)

	case stateStreaming:
		switch msg.Type {
		case msgAuth:
			// already authenticated
		case msgAudio:
			s.handleAudio(msg.Data)
		case msgComplete:
			s.complete(websocket.CloseNormalClosure, "Conversation completed")
			return true
		default:
			s.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
		}
		return false
	}

	// Completing or finished: nothing more is accepted.
	return false
}

func errOrMissingType(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing type")
}

func (s *streamSession) handleAuth(data json.RawMessage) bool {
	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.reject("Invalid auth message", err)
		return true
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if err := s.auth.Check(req.UserID, req.APIKey); err != nil {
		s.reject("Authentication failed", err)
		return true
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.store.CreateConversation(ctx, store.Conversation{ID: s.conversationID, UserID: req.UserID}); err != nil {
		s.fail(fmt.Errorf("%w: create conversation: %v", ErrPersistence, err), websocket.CloseInternalServerErr, "Failed to start conversation", true)
		return true
	}
	if _, err := s.store.GetConversation(ctx, req.UserID, s.conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.reject("Conversation not found", err)
		} else {
			s.fail(fmt.Errorf("%w: get conversation: %v", ErrPersistence, err), websocket.CloseInternalServerErr, "Failed to start conversation", true)
		}
		return true
	}

	provider, err := s.newProvider()
	if err != nil {
		s.fail(fmt.Errorf("create provider: %w", err), websocket.CloseInternalServerErr, "Failed to start transcription", true)
		return true
	}

	s.mu.Lock()
	if s.state != stateAwaitingAuth {
		s.mu.Unlock()
		return true
	}
	s.userID = req.UserID
	s.segments = transcript.NewStore()
	var completer llm.Completer
	if s.completer != nil {
		s.meter = costs.NewMeter(s.completer)
		completer = s.meter
	}
	s.beautifier = transcript.NewBeautifier(s.segments, completer, transcript.BeautifierConfig{MinBatchSize: s.cfg.BeautifyMinBatch}, s.logger)
	s.detector = actions.NewDetector(s.segments, completer, actions.Config{MinTextLength: s.cfg.DetectMinText, Location: s.cfg.ActionLocation}, s.logger)
	s.recorder = storage.NewRecorder(s.cfg.SampleRate, s.cfg.MaxRecordingBytes)
	s.provider = provider
	s.pumpDone = make(chan struct{})
	s.state = stateStreaming
	s.mu.Unlock()

	_ = s.conn.SetReadDeadline(time.Time{})
	s.send(outboundMessage{Type: msgAuth, Data: authAck{UserID: req.UserID}})
	s.logger.Printf("stream_ws: conversation %s authenticated for user %s", s.conversationID, req.UserID)
	s.eventLog.LogAsync(s.conversationID, eventlog.EventAuthenticated, map[string]any{
		"user_id":    req.UserID,
		"session_id": s.sessionID,
	})

	go s.pump(provider.Events())
	if err := provider.Start(s.ctx); err != nil {
		s.fail(fmt.Errorf("start provider: %w", err), websocket.CloseInternalServerErr, "Failed to start transcription", true)
		return true
	}
	s.startTasks()
	s.eventLog.LogAsync(s.conversationID, eventlog.EventSessionStarted, map[string]any{
		"session_id":          s.sessionID,
		"immediate_detection": s.cfg.ImmediateDetection,
	})
	return false
}

func (s *streamSession) handleAudio(data json.RawMessage) {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		s.sendError("Invalid audio data")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.sendError("Failed to process audio data")
		return
	}
	if len(audio) == 0 {
		return
	}

	_, _ = s.recorder.Write(audio)
	if err := s.provider.SendAudio(s.ctx, audio); err != nil && !errors.Is(err, stt.ErrStopped) {
		s.logger.Printf("stream_ws: failed to forward audio for conversation %s: %v", s.conversationID, err)
	}
}

// pump mirrors provider events to the client and the segment store in the
// order the provider emitted them.
func (s *streamSession) pump(events <-chan stt.Event) {
	defer close(s.pumpDone)

	for ev := range events {
		switch ev.Type {
		case stt.EventConnected:
			s.logger.Printf("stream_ws: provider connected for conversation %s (session %s)", s.conversationID, ev.SessionID)
			s.eventLog.LogAsync(s.conversationID, eventlog.EventProviderConnected, map[string]any{"provider_session_id": ev.SessionID})

		case stt.EventPartial:
			if st := s.getState(); st != stateStreaming && st != stateCompleting {
				continue
			}
			s.segments.AppendRaw(ev.Text, 0, 0, false)
			s.send(outboundMessage{Type: msgTranscribe, Data: transcribeData{Finalized: false, Transcript: ev.Text}})

		case stt.EventFinal:
			st := s.getState()
			if st != stateStreaming && st != stateCompleting {
				continue
			}
			s.segments.AppendRaw(ev.Text, ev.AudioStart, ev.AudioEnd, true)
			s.send(outboundMessage{Type: msgTranscribe, Data: transcribeData{
				Finalized:  true,
				Transcript: ev.Text,
				AudioStart: ev.AudioStart,
				AudioEnd:   ev.AudioEnd,
			}})
			s.eventLog.LogAsync(s.conversationID, eventlog.EventFinalTranscript, map[string]any{
				"text":        ev.Text,
				"audio_start": ev.AudioStart,
				"audio_end":   ev.AudioEnd,
				"confidence":  ev.Confidence,
			})
			if s.cfg.ImmediateDetection {
				s.detectSegment(ev.Text, ev.AudioStart, ev.AudioEnd)
			}

		case stt.EventError:
			if s.getState() != stateStreaming {
				s.logger.Printf("stream_ws: provider error while finishing conversation %s: %v", s.conversationID, ev.Err)
				continue
			}
			cause := ev.Err
			if cause == nil {
				cause = errors.New("transcription provider error")
			}
			s.fail(cause, websocket.CloseInternalServerErr, "Transcription failed", true)

		case stt.EventDisconnected:
			s.logger.Printf("stream_ws: provider disconnected for conversation %s", s.conversationID)
		}
	}
}

func (s *streamSession) startTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStreaming {
		return
	}
	s.taskCtx, s.cancelTasks = context.WithCancel(s.ctx)
	s.tasks.Add(2)
	go s.every(s.taskCtx, s.cfg.BeautifyInterval, s.beautifyTick)
	go s.every(s.taskCtx, s.cfg.DetectInterval, s.detectTick)
}

func (s *streamSession) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.tasks.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *streamSession) beautifyTick(ctx context.Context) {
	s.beautify(ctx, false)
}

func (s *streamSession) beautify(ctx context.Context, force bool) {
	res, ok := s.beautifier.Beautify(ctx, force)
	if !ok {
		return
	}
	s.send(outboundMessage{Type: msgTranscriptBeautify, Data: newBeautifyData(res)})
	s.eventLog.LogAsync(s.conversationID, eventlog.EventSegmentsBeautified, map[string]any{
		"consumed":    res.Consumed,
		"produced":    len(res.Segments),
		"audio_start": res.AudioStart,
		"audio_end":   res.AudioEnd,
		"fallback":    res.Fallback,
	})
}

func (s *streamSession) detectTick(ctx context.Context) {
	for _, a := range s.detector.Detect(ctx) {
		s.deliverAction(ctx, a)
	}
}

// detectSegment runs the low latency detection for one final segment.
func (s *streamSession) detectSegment(text string, start, end int64) {
	s.mu.Lock()
	if s.state != stateStreaming || s.taskCtx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.taskCtx
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		for _, a := range s.detector.DetectSegment(ctx, text, start, end) {
			s.deliverAction(ctx, a)
		}
	}()
}

// deliverAction persists an action, then sends it to the client and to the
// user's devices. An action that cannot be stored is not sent.
func (s *streamSession) deliverAction(ctx context.Context, a actions.Action) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.store.CreateAction(ctx, toStoreAction(s.conversationID, s.userID, a)); err != nil {
		s.logger.Printf("stream_ws: failed to save action %s for conversation %s: %v", a.ID, s.conversationID, err)
		return
	}
	s.send(newDetectAction(a))
	s.eventLog.LogAsync(s.conversationID, eventlog.EventActionDetected, map[string]any{
		"action_id": a.ID,
		"type":      string(a.Type),
		"title":     a.Inner.Title,
	})
	go s.pushAction(a)
}

func (s *streamSession) pushAction(a actions.Action) {
	if s.push == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tokens, err := s.store.GetUserPushTokens(ctx, s.userID)
	if err != nil {
		s.logger.Printf("stream_ws: failed to load push tokens for user %s: %v", s.userID, err)
		return
	}
	for _, t := range tokens {
		if t.Platform != "" && t.Platform != "ios" {
			continue
		}
		_ = s.push.SendActionNotification(t.Token, notifications.ActionNotification{
			ConversationID: s.conversationID,
			ActionID:       a.ID,
			Type:           string(a.Type),
			Title:          a.Inner.Title,
		})
	}
}

func toStoreAction(conversationID, userID string, a actions.Action) store.Action {
	out := store.Action{
		ID:                a.ID,
		ConversationID:    conversationID,
		UserID:            userID,
		Type:              string(a.Type),
		Status:            store.ActionCreated,
		Title:             a.Inner.Title,
		Body:              a.Inner.Body,
		Query:             a.Inner.Query,
		TranscriptStart:   a.Relate.Start,
		TranscriptEnd:     a.Relate.End,
		TranscriptExcerpt: a.Relate.Transcript,
	}
	if a.Inner.Datetime != "" {
		if t, err := time.Parse(time.RFC3339, a.Inner.Datetime); err == nil {
			out.Datetime = &t
		}
	}
	return out
}

// Shutdown finishes the session as if the client completed it and closes
// the socket with "going away".
func (s *streamSession) Shutdown() {
	go s.complete(websocket.CloseGoingAway, "Server shutting down")
}

// complete runs the Completing state: stop the provider, flush the passes,
// persist the conversation and close the socket.
func (s *streamSession) complete(code int, reason string) {
	s.mu.Lock()
	prev := s.state
	if prev != stateAwaitingAuth && prev != stateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = stateCompleting
	s.mu.Unlock()

	if prev == stateAwaitingAuth {
		s.closeConn(code, reason)
		s.setState(stateClosed)
		s.finish()
		return
	}

	s.stopTasks()
	s.stopProvider()

	err := s.finalize()
	if err != nil {
		s.logger.Printf("stream_ws: failed to complete conversation %s: %v", s.conversationID, err)
		s.sendError("Failed to complete conversation")
		s.closeConn(websocket.CloseInternalServerErr, "Failed to complete conversation")
		s.setState(stateErrored)
		s.report(err)
	} else {
		s.closeConn(code, reason)
		s.setState(stateClosed)
		s.eventLog.LogAsync(s.conversationID, eventlog.EventSessionCompleted, map[string]any{
			"close_code": code,
			"cost_cents": s.sessionCosts().TotalCents(),
		})
	}
	s.finish()
}

func (s *streamSession) stopTasks() {
	s.mu.Lock()
	cancel := s.cancelTasks
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.tasks.Wait()
}

func (s *streamSession) stopProvider() {
	if s.provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProviderStopTimeout)
	defer cancel()

	if _, err := s.provider.Stop(ctx); err != nil {
		s.logger.Printf("stream_ws: provider stop for conversation %s: %v", s.conversationID, err)
	}
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
		s.logger.Printf("stream_ws: provider events still pending for conversation %s", s.conversationID)
	}
}

// finalize runs the last passes and persists the conversation.
func (s *streamSession) finalize() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()

	hasSegments := s.segments.FinalizedCount() > 0
	if hasSegments {
		s.beautify(ctx, true)
		for _, a := range s.detector.Detect(ctx) {
			s.deliverAction(ctx, a)
		}
	}

	update := store.ConversationUpdate{Status: ptr(store.ConversationArchived)}

	transcriptJSON, err := s.segments.JSONTranscript()
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	update.Transcript = &transcriptJSON

	var logs []store.ConversationLog
	if hasSegments && s.meter == nil {
		title := fallbackTitle(s.segments.BeautifiedPlainTranscript(0))
		preview := truncateText(s.segments.BeautifiedPlainTranscript(0), 200)
		update.Title, update.LastTranscriptPreview = &title, &preview
	} else if hasSegments {
		timestamped := s.segments.TimestampedTranscript()
		stats := s.segments.Stats()

		title, err := llm.GenerateTitle(ctx, s.meter, timestamped)
		if err != nil {
			s.logger.Printf("stream_ws: title generation failed for conversation %s: %v", s.conversationID, err)
			title = fallbackTitle(s.segments.BeautifiedPlainTranscript(0))
		}
		update.Title = &title

		summary, err := llm.GenerateSummary(ctx, s.meter, timestamped)
		if err != nil {
			s.logger.Printf("stream_ws: summary generation failed for conversation %s: %v", s.conversationID, err)
			summary = truncateText(s.segments.BeautifiedPlainTranscript(0), 200)
		}
		update.LastTranscriptPreview = &summary

		entries, err := llm.GenerateLogs(ctx, s.meter, timestamped, stats.AudioDuration.Milliseconds())
		if err != nil {
			s.logger.Printf("stream_ws: log generation failed for conversation %s: %v", s.conversationID, err)
		}
		for _, e := range entries {
			logs = append(logs, store.ConversationLog{
				ConversationID:    s.conversationID,
				UserID:            s.userID,
				StartTime:         e.StartTime,
				EndTime:           e.EndTime,
				Speaker:           e.Speaker,
				Summary:           e.Summary,
				TranscriptExcerpt: e.TranscriptExcerpt,
			})
		}
	}

	if u := s.uploadRecording(ctx); u != "" {
		update.AudioURL = &u
	}

	if err := s.store.UpdateConversation(ctx, s.userID, s.conversationID, update); err != nil {
		return fmt.Errorf("%w: update conversation: %v", ErrPersistence, err)
	}
	if err := s.store.CreateConversationLogs(ctx, logs); err != nil {
		return fmt.Errorf("%w: create conversation logs: %v", ErrPersistence, err)
	}

	stats := s.segments.Stats()
	spent := s.sessionCosts()
	s.logger.Printf("stream_ws: conversation %s completed (finalized=%d beautified=%d actions=%d audio=%s cost=%.2fc)",
		s.conversationID, stats.FinalizedSegments, stats.BeautifiedSegments, len(s.detector.Detected()), stats.AudioDuration, spent.TotalCents())
	return nil
}

func (s *streamSession) sessionCosts() costs.SessionCosts {
	m := costs.SessionMetrics{STTProvider: s.cfg.STTProvider}
	if s.recorder != nil {
		m.AudioSeconds = float64(s.recorder.Len()) / float64(2*s.cfg.SampleRate)
	}
	if s.meter != nil {
		_, m.LLMInputTokens, m.LLMOutputTokens = s.meter.Usage()
	}
	return costs.CalculateSessionCosts(m)
}

func (s *streamSession) uploadRecording(ctx context.Context) string {
	if s.audio == nil || s.recorder == nil || s.recorder.Len() == 0 {
		return ""
	}
	if s.recorder.Truncated() {
		s.logger.Printf("stream_ws: recording for conversation %s was truncated", s.conversationID)
	}
	u, err := s.audio.Upload(ctx, storage.AudioObjectPath(s.conversationID, s.sessionID), s.recorder.WAV(), "audio/wav")
	if err != nil {
		s.logger.Printf("stream_ws: failed to upload audio for conversation %s: %v", s.conversationID, err)
		return ""
	}
	return u
}

// reject ends an unauthenticated session with a policy violation.
func (s *streamSession) reject(msg string, cause error) {
	if !s.transition(stateAwaitingAuth, stateClosed) {
		return
	}
	s.logger.Printf("stream_ws: rejecting conversation %s: %v", s.conversationID, cause)
	s.eventLog.LogAsync(s.conversationID, eventlog.EventAuthFailed, map[string]any{"reason": cause.Error()})
	s.sendError(msg)
	s.closeConn(websocket.ClosePolicyViolation, msg)
	s.finish()
}

// fail moves the session to Errored: one error message, then close.
func (s *streamSession) fail(cause error, code int, msg string, report bool) {
	s.mu.Lock()
	if s.state != stateAwaitingAuth && s.state != stateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = stateErrored
	s.mu.Unlock()

	s.logger.Printf("stream_ws: conversation %s errored: %v", s.conversationID, cause)
	s.sendError(msg)
	s.closeConn(code, msg)
	if report {
		s.report(cause)
	}
	s.finish()
}

func (s *streamSession) report(cause error) {
	s.eventLog.LogAsync(s.conversationID, eventlog.EventSessionErrored, map[string]any{"error": cause.Error()})
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("conversation_id", s.conversationID)
		scope.SetUser(sentry.User{ID: s.userID})
		scope.SetExtra("session_id", s.sessionID)
		sentry.CaptureException(cause)
	})
	if s.alerts != nil {
		s.alerts.NotifySessionError(s.ctx, s.conversationID, s.userID, cause)
	}
}

func (s *streamSession) finish() {
	s.closedOnce.Do(func() { close(s.closed) })
}

func (s *streamSession) cleanup() {
	s.stopTasks()
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = provider.Stop(ctx)
		cancel()
	}
	s.cancel()
	s.closeConn(websocket.CloseNormalClosure, "")
	s.logger.Printf("stream_ws: session cleaned up for conversation %s (%s)", s.conversationID, s.getState())
}

func (s *streamSession) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *streamSession) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *streamSession) transition(from, to sessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *streamSession) send(msg outboundMessage) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Printf("stream_ws: failed to send %s for conversation %s: %v", msg.Type, s.conversationID, err)
	}
}

func (s *streamSession) sendError(message string) {
	s.send(outboundMessage{Type: msgError, Message: message})
}

// closeConn sends a close frame once and closes the socket.
func (s *streamSession) closeConn(code int, reason string) {
	s.closeOnce.Do(func() {
		s.connMu.Lock()
		defer s.connMu.Unlock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func fallbackTitle(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return "Untitled conversation"
	}
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func ptr[T any](v T) *T { return &v }
