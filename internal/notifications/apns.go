package notifications

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"
)

// APNsConfig holds configuration for Apple Push Notification service
type APNsConfig struct {
	KeyPath    string // Path to .p8 key file
	KeyID      string // Key ID from Apple Developer Portal
	TeamID     string // Team ID from Apple Developer Portal
	BundleID   string // App bundle ID of the companion app
	Production bool   // Use production environment
}

// Enabled reports whether every field needed for token auth is set.
func (c APNsConfig) Enabled() bool {
	return c.KeyPath != "" && c.KeyID != "" && c.TeamID != "" && c.BundleID != ""
}

// APNsClient pushes opened links to the user's iOS companion app, where
// Safari would otherwise block a window opened outside a user gesture.
type APNsClient struct {
	client   *apns2.Client
	bundleID string
	logger   *zap.SugaredLogger
}

// NewAPNsClient creates a new APNs client. It returns nil, nil when APNs is
// not configured; a nil client silently skips pushes.
func NewAPNsClient(cfg APNsConfig, logger *zap.SugaredLogger) (*APNsClient, error) {
	if !cfg.Enabled() {
		logger.Infof("apns: missing configuration, link push disabled")
		return nil, nil
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key file: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, errors.New("failed to decode APNs key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("APNs key is not an ECDSA private key")
	}

	authToken := &token.Token{
		AuthKey: ecdsaKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(authToken)
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Infof("apns: client initialized (production=%v, bundle=%s)", cfg.Production, cfg.BundleID)
	return newAPNsClient(client, cfg.BundleID, logger), nil
}

func newAPNsClient(client *apns2.Client, bundleID string, logger *zap.SugaredLogger) *APNsClient {
	return &APNsClient{
		client:   client,
		bundleID: bundleID,
		logger:   logger,
	}
}

// OpenURLNotification describes a link opened by a voice command.
type OpenURLNotification struct {
	SessionID string
	URL       string
	Display   string // status line shown with the link
}

// SendOpenURL pushes a notification that opens notif.URL when tapped.
func (c *APNsClient) SendOpenURL(ctx context.Context, deviceToken string, notif OpenURLNotification) error {
	if c == nil || c.client == nil || deviceToken == "" {
		return nil
	}

	body := notif.Display
	if body == "" {
		body = notif.URL
	}

	p := payload.NewPayload().
		AlertTitle("Assistente").
		AlertBody(body).
		Sound("default").
		Category("OPEN_URL").
		Custom("url", notif.URL).
		Custom("session_id", notif.SessionID)

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.bundleID,
		Payload:     p,
		// A link is only useful right after the command
		Expiration: time.Now().Add(5 * time.Minute),
		CollapseID: notif.SessionID,
	}

	res, err := c.client.PushWithContext(ctx, notification)
	if err != nil {
		c.logger.Warnf("apns: failed to push link: %v", err)
		return fmt.Errorf("push link: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		c.logger.Warnf("apns: link push rejected (status=%d, reason=%s)", res.StatusCode, res.Reason)
		return fmt.Errorf("APNs rejected notification: %s", res.Reason)
	}

	c.logger.Debugf("apns: link pushed to %s...", tokenPrefix(deviceToken))
	return nil
}

func tokenPrefix(deviceToken string) string {
	if len(deviceToken) > 16 {
		return deviceToken[:16]
	}
	return deviceToken
}
