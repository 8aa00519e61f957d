package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // ACTION_TIMEZONE on images without zoneinfo

	"github.com/getsentry/sentry-go"

	"github.com/otohq/voiceapi/internal/app"
)

// Time given to live sessions to finish their completion passes on shutdown.
const drainTimeout = 90 * time.Second

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2, // 20% of requests for performance monitoring
			Environment:      getEnvironment(),
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatalf("init app: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.StartJobs()

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()

	// Stop taking new sessions, then let live ones complete and persist.
	sessions := a.Sessions()
	sessions.StartDraining()
	active := sessions.ActiveCount()
	logger.Printf("shutdown: draining %d live sessions", active)
	if active > 0 {
		a.Discord().NotifyDraining(context.Background(), int(active))
	}
	sessions.ShutdownAll()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := sessions.Wait(drainCtx); err != nil {
		logger.Printf("shutdown: %d sessions still live after %v", sessions.ActiveCount(), drainTimeout)
	}
	cancelDrain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = a.Close()
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
