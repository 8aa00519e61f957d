package notifications

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsConfig holds configuration for Apple Push Notification service
type APNsConfig struct {
	KeyPath    string // Path to .p8 key file
	KeyID      string // Key ID from Apple Developer Portal
	TeamID     string // Team ID from Apple Developer Portal
	BundleID   string // App bundle ID
	Production bool   // Use production environment
}

// pusher is the subset of *apns2.Client used here.
type pusher interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// APNsClient sends push notifications via Apple Push Notification service
type APNsClient struct {
	client   pusher
	bundleID string
	logger   *log.Logger
	mu       sync.Mutex
}

// NewAPNsClient creates a new APNs client. It returns nil, nil when the
// configuration is incomplete so callers can treat push as disabled.
func NewAPNsClient(cfg APNsConfig, logger *log.Logger) (*APNsClient, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		logger.Println("APNs: missing configuration, push notifications disabled")
		return nil, nil
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key file: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode APNs key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("APNs key is not an ECDSA private key")
	}

	authToken := &token.Token{
		AuthKey: ecdsaKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	var client *apns2.Client
	if cfg.Production {
		client = apns2.NewTokenClient(authToken).Production()
	} else {
		client = apns2.NewTokenClient(authToken).Development()
	}

	logger.Printf("APNs: client initialized (production=%v, bundle=%s)", cfg.Production, cfg.BundleID)

	return &APNsClient{
		client:   client,
		bundleID: cfg.BundleID,
		logger:   logger,
	}, nil
}

// ActionNotification describes an action detected during a live session.
type ActionNotification struct {
	ConversationID string
	ActionID       string
	Type           string
	Title          string
}

func (n ActionNotification) alertTitle() string {
	switch n.Type {
	case "calendar":
		return "New calendar event"
	case "research":
		return "New research request"
	default:
		return "New to-do"
	}
}

// SendActionNotification pushes a detected action to one device.
func (c *APNsClient) SendActionNotification(deviceToken string, notif ActionNotification) error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := payload.NewPayload().
		AlertTitle(notif.alertTitle()).
		AlertBody(notif.Title).
		Sound("default").
		ThreadID(notif.ConversationID).
		Custom("conversation_id", notif.ConversationID).
		Custom("action_id", notif.ActionID).
		Custom("action_type", notif.Type)

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.bundleID,
		Payload:     p,
		Expiration:  time.Now().Add(24 * time.Hour),
	}

	res, err := c.client.Push(notification)
	if err != nil {
		c.logger.Printf("APNs: failed to send action notification: %v", err)
		return err
	}

	if res.StatusCode != 200 {
		c.logger.Printf("APNs: action notification rejected (status=%d, reason=%s)", res.StatusCode, res.Reason)
		return fmt.Errorf("APNs rejected notification: %s", res.Reason)
	}

	c.logger.Printf("APNs: action notification sent to %s...", shortToken(deviceToken))
	return nil
}

func shortToken(t string) string {
	if len(t) > 16 {
		return t[:16]
	}
	return t
}
