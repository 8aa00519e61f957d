package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/otohq/voiceapi/internal/eventlog"
	"github.com/otohq/voiceapi/internal/llm"
)

type RouterConfig struct {
	// Shared secret used to check stream and API credentials
	AuthSecret string

	Stream StreamConfig
}

// RouterDeps are the collaborators behind the router. Optional ones may be
// left nil.
type RouterDeps struct {
	Store       Persistence
	EventLog    *eventlog.Logger
	Completer   llm.Completer
	NewProvider ProviderFactory
	Sessions    *SessionRegistry

	Audio  AudioStorage   // optional
	Push   ActionNotifier // optional
	Alerts ErrorReporter  // optional
}

type Router struct {
	cfg         RouterConfig
	logger      *log.Logger
	store       Persistence
	eventLog    *eventlog.Logger
	auth        *CredentialChecker
	completer   llm.Completer
	newProvider ProviderFactory
	audio       AudioStorage
	push        ActionNotifier
	alerts      ErrorReporter
	sessions    *SessionRegistry
	mux         *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, deps RouterDeps) http.Handler {
	cfg.Stream = cfg.Stream.withDefaults()
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	r := &Router{
		cfg:         cfg,
		logger:      logger,
		store:       deps.Store,
		eventLog:    deps.EventLog,
		auth:        NewCredentialChecker(cfg.AuthSecret),
		completer:   deps.Completer,
		newProvider: deps.NewProvider,
		audio:       deps.Audio,
		push:        deps.Push,
		alerts:      deps.Alerts,
		sessions:    sessions,
		mux:         http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.HandleFunc("GET /stats", r.handleStats)

	// Live audio stream (credentials checked in-band)
	r.mux.HandleFunc("GET /conversation/{id}/stream", r.handleStream)

	// Push notifications (protected)
	r.mux.HandleFunc("POST /push/register", r.withAuth(r.handlePushRegister))
	r.mux.HandleFunc("POST /push/unregister", r.withAuth(r.handlePushUnregister))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz fails while draining so load balancers stop routing new
// streams here.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": r.sessions.ActiveCount(),
		"draining":        r.sessions.IsDraining(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-User-Id")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
