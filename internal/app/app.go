package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otohq/voiceapi/internal/eventlog"
	"github.com/otohq/voiceapi/internal/httpapi"
	"github.com/otohq/voiceapi/internal/jobs"
	"github.com/otohq/voiceapi/internal/llm"
	"github.com/otohq/voiceapi/internal/notifications"
	"github.com/otohq/voiceapi/internal/storage"
	"github.com/otohq/voiceapi/internal/stt"
)

// backend is the persistence the server needs; both store.Store and
// store.SQLiteStore satisfy it.
type backend interface {
	httpapi.Persistence
	jobs.ConversationStore
	Close() error
}

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool // nil with SQLite
	store    backend
	eventLog *eventlog.Logger
	discord  *notifications.Discord
	apns     *notifications.APNsClient
	audio    *storage.SupabaseClient
	llm      llm.Completer
	sessions *httpapi.SessionRegistry
	sweeper  *jobs.StaleConversationJob
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.APIKeySecret == "" {
		return nil, errors.New("OTO_API_KEY_SECRET is required")
	}
	if _, err := stt.New(sttConfig(cfg), logger); err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &App{
		cfg:      cfg,
		logger:   logger,
		discord:  notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		sessions: httpapi.NewSessionRegistry(),
	}

	if path, ok := strings.CutPrefix(cfg.DatabaseURL, "sqlite:"); ok {
		s, err := openSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		a.store = s
		logger.Printf("app: using sqlite database %s", path)
	} else {
		db, s, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = s
	}
	a.eventLog = eventlog.New(a.db)

	// APNs client (nil if not configured)
	apnsClient, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		logger.Printf("Warning: APNs client initialization failed: %v", err)
	}
	a.apns = apnsClient

	supabaseCfg := storage.SupabaseConfig{
		URL:        cfg.SupabaseURL,
		ServiceKey: cfg.SupabaseServiceKey,
		Bucket:     cfg.SupabaseBucket,
	}
	if supabaseCfg.Enabled() {
		a.audio = storage.NewSupabaseClient(supabaseCfg, logger)
	} else {
		logger.Printf("app: audio storage not configured, recordings will not be uploaded")
	}

	a.llm = llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
	})

	a.sweeper = jobs.NewStaleConversationJob(a.store, a.sessions, logger, cfg.SweepInterval, cfg.StaleConversationAfter)
	return a, nil
}

func sttConfig(cfg Config) stt.Config {
	return stt.Config{
		Provider:          cfg.STTProvider,
		AssemblyAIKey:     cfg.AssemblyAIAPIKey,
		DeepgramKey:       cfg.DeepgramAPIKey,
		DeepgramModel:     cfg.DeepgramModel,
		Language:          cfg.STTLanguage,
		SampleRate:        cfg.STTSampleRate,
		MaxStreamDuration: cfg.DeepgramMaxStream,
		MaxReconnects:     cfg.STTMaxReconnects,
	}
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		AuthSecret: a.cfg.APIKeySecret,
		Stream: httpapi.StreamConfig{
			BeautifyInterval:    a.cfg.BeautifyInterval,
			DetectInterval:      a.cfg.DetectInterval,
			BeautifyMinBatch:    a.cfg.BeautifyMinBatch,
			DetectMinText:       a.cfg.DetectMinText,
			ImmediateDetection:  a.cfg.ImmediateDetection,
			ProviderStopTimeout: a.cfg.ProviderStopTimeout,
			AuthTimeout:         a.cfg.AuthTimeout,
			STTProvider:         a.cfg.STTProvider,
			SampleRate:          a.cfg.STTSampleRate,
			MaxRecordingBytes:   a.cfg.MaxRecordingBytes,
			ActionLocation:      a.cfg.ActionLocation,
		},
	}

	sttCfg := sttConfig(a.cfg)
	deps := httpapi.RouterDeps{
		Store:     a.store,
		EventLog:  a.eventLog,
		Completer: a.llm,
		NewProvider: func() (stt.Provider, error) {
			return stt.New(sttCfg, a.logger)
		},
		Sessions: a.sessions,
	}
	// Leave optional collaborators as untyped nil when not configured.
	if a.audio != nil {
		deps.Audio = a.audio
	}
	if a.apns != nil {
		deps.Push = a.apns
	}
	if a.discord.Enabled() {
		deps.Alerts = a.discord
	}
	return httpapi.NewRouter(routerCfg, a.logger, deps)
}

// Sessions returns the live session registry used for draining.
func (a *App) Sessions() *httpapi.SessionRegistry {
	return a.sessions
}

// Discord returns the operator alert client.
func (a *App) Discord() *notifications.Discord {
	return a.discord
}

// StartJobs starts the background jobs.
func (a *App) StartJobs() {
	a.sweeper.Start()
}

func (a *App) Close() error {
	a.sweeper.Stop()
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return err
}
