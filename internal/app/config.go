package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string // postgres://... or sqlite:<path>
	LogLevel    string
	SentryDSN   string

	// Shared secret for stream and API credentials
	APIKeySecret string

	// Speech to text
	STTProvider       string // assemblyai | deepgram
	AssemblyAIAPIKey  string
	DeepgramAPIKey    string
	DeepgramModel     string
	STTLanguage       string
	STTSampleRate     int
	DeepgramMaxStream time.Duration
	STTMaxReconnects  int

	// Completion service
	OpenAIAPIKey string
	OpenAIModel  string

	// Background passes
	BeautifyInterval    time.Duration
	BeautifyMinBatch    int
	DetectInterval      time.Duration
	DetectMinText       int
	ImmediateDetection  bool
	ProviderStopTimeout time.Duration
	AuthTimeout         time.Duration
	MaxRecordingBytes   int
	ActionLocation      *time.Location // zone for action datetimes given without an offset

	// Audio storage
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	// Notifications
	DiscordWebhookURL string
	APNsKeyPath       string
	APNsKeyID         string
	APNsTeamID        string
	APNsBundleID      string
	APNsProduction    bool

	// Stale conversation sweeper
	StaleConversationAfter time.Duration
	SweepInterval          time.Duration
}

// LoadConfigFromEnv reads configuration from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func LoadConfigFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	loc, err := time.LoadLocation(getenv("ACTION_TIMEZONE", "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("ACTION_TIMEZONE: %w", err)
	}

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		SentryDSN:   getenv("SENTRY_DSN", ""),

		APIKeySecret: os.Getenv("OTO_API_KEY_SECRET"), // Required - no fallback for security

		STTProvider:       strings.ToLower(getenv("STT_PROVIDER", "assemblyai")),
		AssemblyAIAPIKey:  getenv("ASSEMBLYAI_API_KEY", ""),
		DeepgramAPIKey:    getenv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "nova-3"),
		STTLanguage:       getenv("STT_LANGUAGE", "en"),
		STTSampleRate:     getenvIntClamped("STT_SAMPLE_RATE", 16000, 8000, 48000),
		DeepgramMaxStream: getenvDuration("DEEPGRAM_MAX_STREAM", 55*time.Minute),
		STTMaxReconnects:  getenvIntClamped("STT_MAX_RECONNECTS", 3, 0, 10),

		OpenAIAPIKey: getenv("OPENAI_API_KEY", ""),
		OpenAIModel:  getenv("OPENAI_MODEL", "gpt-4o-mini"),

		BeautifyInterval:    getenvDuration("BEAUTIFY_INTERVAL", 5*time.Second),
		BeautifyMinBatch:    getenvIntClamped("BEAUTIFY_MIN_BATCH", 1, 1, 100),
		DetectInterval:      getenvDuration("DETECT_INTERVAL", 10*time.Second),
		DetectMinText:       getenvIntClamped("DETECT_MIN_TEXT", 30, 0, 10000),
		ImmediateDetection:  getenvBool("IMMEDIATE_DETECTION", true),
		ProviderStopTimeout: getenvDuration("PROVIDER_STOP_TIMEOUT", 5*time.Second),
		AuthTimeout:         getenvDuration("AUTH_TIMEOUT", 30*time.Second),
		MaxRecordingBytes:   getenvInt("MAX_RECORDING_BYTES", 100*1024*1024),
		ActionLocation:      loc,

		SupabaseURL:        getenv("SUPABASE_URL", ""),
		SupabaseServiceKey: getenv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseBucket:     getenv("SUPABASE_BUCKET_NAME", "audio"),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		APNsKeyPath:       getenv("APNS_KEY_PATH", ""),
		APNsKeyID:         getenv("APNS_KEY_ID", ""),
		APNsTeamID:        getenv("APNS_TEAM_ID", ""),
		APNsBundleID:      getenv("APNS_BUNDLE_ID", ""),
		APNsProduction:    getenvBool("APNS_PRODUCTION", false),

		StaleConversationAfter: getenvDuration("STALE_CONVERSATION_AFTER", 6*time.Hour),
		SweepInterval:          getenvDuration("SWEEP_INTERVAL", 10*time.Minute),
	}, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvIntClamped(k string, def, min, max int) int {
	n := getenvInt(k, def)
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
