package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUpload is returned when the storage API rejects an object.
var ErrUpload = errors.New("storage upload failed")

// SupabaseConfig holds configuration for the Supabase Storage client.
type SupabaseConfig struct {
	URL        string // project URL, e.g. https://xyz.supabase.co
	ServiceKey string // service role key
	Bucket     string
	MaxRetries int           // default 3
	RetryDelay time.Duration // default 1s
	Timeout    time.Duration // default 60s
}

// Enabled reports whether uploads are configured.
func (c SupabaseConfig) Enabled() bool {
	return c.URL != "" && c.ServiceKey != "" && c.Bucket != ""
}

// SupabaseClient uploads objects to a Supabase Storage bucket.
type SupabaseClient struct {
	baseURL    string
	serviceKey string
	bucket     string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	logger     *log.Logger
}

// NewSupabaseClient creates a new Supabase Storage client.
func NewSupabaseClient(cfg SupabaseConfig, logger *log.Logger) *SupabaseClient {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SupabaseClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		bucket:     cfg.Bucket,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// PublicURL returns the public URL of an object in the bucket.
func (c *SupabaseClient) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, escapePath(path))
}

// Upload stores data at path, overwriting any existing object, and returns
// its public URL. Failed attempts are retried with a fixed delay.
func (c *SupabaseClient) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Printf("storage: retrying upload of %s (attempt %d/%d): %v", path, attempt, c.maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		lastErr = c.put(ctx, path, data, contentType)
		if lastErr == nil {
			return c.PublicURL(path), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (c *SupabaseClient) put(ctx context.Context, path string, data []byte, contentType string) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, escapePath(path))

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "3600")
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrUpload, resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// AudioObjectPath is the bucket path of a session's recording.
func AudioObjectPath(conversationID, sessionID string) string {
	return fmt.Sprintf("conversations/%s/audio-%s.wav", conversationID, sessionID)
}
