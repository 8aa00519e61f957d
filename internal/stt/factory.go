package stt

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Provider names accepted by New.
const (
	ProviderAssemblyAI = "assemblyai"
	ProviderDeepgram   = "deepgram"
)

// Config selects and configures a backend.
type Config struct {
	Provider          string
	AssemblyAIKey     string
	AssemblyAIURL     string
	DeepgramKey       string
	DeepgramURL       string
	DeepgramModel     string
	Language          string
	SampleRate        int
	MaxStreamDuration time.Duration
	MaxReconnects     int
}

// New builds a fresh provider. Each session gets its own instance.
func New(cfg Config, logger *log.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderAssemblyAI:
		if cfg.AssemblyAIKey == "" {
			return nil, fmt.Errorf("stt: AssemblyAI API key is required")
		}
		return NewAssemblyAIClient(AssemblyAIConfig{
			APIKey:        cfg.AssemblyAIKey,
			URL:           cfg.AssemblyAIURL,
			SampleRate:    cfg.SampleRate,
			WordBoost:     []string{"todo", "task", "meeting", "calendar", "research", "remind"},
			MaxReconnects: cfg.MaxReconnects,
		}, logger), nil
	case ProviderDeepgram:
		if cfg.DeepgramKey == "" {
			return nil, fmt.Errorf("stt: Deepgram API key is required")
		}
		return NewDeepgramClient(DeepgramConfig{
			APIKey:            cfg.DeepgramKey,
			URL:               cfg.DeepgramURL,
			Model:             cfg.DeepgramModel,
			Language:          cfg.Language,
			SampleRate:        cfg.SampleRate,
			Punctuate:         true,
			MaxStreamDuration: cfg.MaxStreamDuration,
			MaxReconnects:     cfg.MaxReconnects,
		}, logger), nil
	default:
		return nil, fmt.Errorf("stt: unknown provider %q", cfg.Provider)
	}
}
