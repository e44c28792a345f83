package ha

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/FairForge/warden/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stakeholder is someone told about disasters. They are notified of every
// disaster whose severity rank is at least EscalationLevel.
type Stakeholder struct {
	Name            string            `yaml:"name" json:"name"`
	EscalationLevel int               `yaml:"escalation_level" json:"escalation_level"`
	WebhookURL      string            `yaml:"webhook_url" json:"webhook_url"`
	Secret          string            `yaml:"secret,omitempty" json:"-"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

func (s Stakeholder) Validate() error {
	if s.Name == "" {
		return errors.New("ha: stakeholder name is required")
	}
	if s.EscalationLevel < 1 || s.EscalationLevel > 4 {
		return fmt.Errorf("ha: stakeholder %s: escalation level must be 1-4", s.Name)
	}
	if s.WebhookURL != "" {
		if _, err := url.ParseRequestURI(s.WebhookURL); err != nil {
			return fmt.Errorf("ha: stakeholder %s: invalid webhook url: %w", s.Name, err)
		}
	}
	return nil
}

// Notification is the message sent to stakeholders.
type Notification struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	DisasterID string            `json:"disaster_id,omitempty"`
	FailoverID string            `json:"failover_id,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Severity   registry.Severity `json:"severity"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Attempt    int               `json:"attempt"`
}

// Notifier delivers notifications to one stakeholder.
type Notifier interface {
	Notify(ctx context.Context, to Stakeholder, n Notification) error
}

// WebhookNotifier posts notifications as signed JSON.
type WebhookNotifier struct {
	client        *http.Client
	maxRetries    int
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewWebhookNotifier creates a notifier. client may be nil.
func NewWebhookNotifier(client *http.Client, maxRetries int, retryInterval time.Duration, logger *zap.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		client:        client,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		logger:        logger.Named("notify"),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, to Stakeholder, n Notification) error {
	if to.WebhookURL == "" {
		w.logger.Debug("stakeholder has no webhook", zap.String("stakeholder", to.Name))
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		n.Attempt = attempt
		status, err := w.send(ctx, to, n)
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("webhook returned status %d", status)
		}
		lastErr = err
		w.logger.Warn("notification delivery failed",
			zap.String("stakeholder", to.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < w.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryInterval):
			}
		}
	}
	return fmt.Errorf("ha: notify %s: %w", to.Name, lastErr)
}

func (w *WebhookNotifier) send(ctx context.Context, to Stakeholder, n Notification) (int, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return 0, fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, to.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "warden-notify/1.0")
	req.Header.Set("X-Warden-Event", n.Type)
	req.Header.Set("X-Warden-Delivery", n.ID)
	req.Header.Set("X-Warden-Attempt", fmt.Sprintf("%d", n.Attempt))
	if to.Secret != "" {
		req.Header.Set("X-Warden-Signature", Sign(body, to.Secret))
	}
	for k, v := range to.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Sign returns the HMAC-SHA256 signature sent with a payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// notify sends n to every stakeholder whose escalation level is covered by
// severity. Delivery happens in the background.
func (c *Coordinator) notify(n Notification) {
	rank := n.Severity.Rank()
	n.ID = uuid.NewString()
	n.Timestamp = c.clock.Now()
	for _, s := range c.cfg.Stakeholders {
		if s.EscalationLevel > rank {
			continue
		}
		s := s
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
			defer cancel()
			if err := c.notifier.Notify(ctx, s, n); err != nil {
				c.logger.Warn("stakeholder not notified",
					zap.String("stakeholder", s.Name),
					zap.String("type", n.Type),
					zap.Error(err))
			}
		}()
	}
}
