package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// WebhookConfig configures an HTTP webhook adapter. The same implementation
// backs both the generic webhook channel and chat integrations, which are
// incoming-webhook URLs on the provider side.
type WebhookConfig struct {
	Channel         Channel
	Secret          string // HMAC signing secret; empty disables signing
	SignatureHeader string // e.g. X-FormWarden-Signature
	TimestampHeader string // e.g. X-FormWarden-Timestamp
	Timeout         time.Duration
}

// WebhookAdapter posts rendered content as JSON to the recipient URL,
// signing the body with HMAC-SHA256 over body||timestamp.
type WebhookAdapter struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookAdapter builds the adapter with a bounded HTTP client.
func NewWebhookAdapter(cfg WebhookConfig) *WebhookAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-FormWarden-Signature"
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = "X-FormWarden-Timestamp"
	}
	return &WebhookAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (w *WebhookAdapter) Channel() Channel { return w.cfg.Channel }

// Send posts the content to the recipient URL. A malformed recipient URL is
// a permanent failure: retrying cannot fix the address.
func (w *WebhookAdapter) Send(ctx context.Context, recipient string, content Content) Result {
	if _, err := url.ParseRequestURI(recipient); err != nil {
		return Result{Class: ClassPermanent, Detail: fmt.Sprintf("malformed recipient url: %v", err)}
	}

	body, err := json.Marshal(content)
	if err != nil {
		return Result{Class: ClassPermanent, Detail: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return Result{Class: ClassPermanent, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign: HMAC over body||timestamp
	if w.cfg.Secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
		mac.Write(body)
		mac.Write([]byte(ts))
		req.Header.Set(w.cfg.TimestampHeader, ts)
		req.Header.Set(w.cfg.SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, doErr := w.client.Do(req)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}

	class, reason := ClassifyHTTP(doErr, status)
	detail := reason
	if doErr != nil {
		detail = doErr.Error()
	}
	return Result{Class: class, Detail: detail, StatusCode: status}
}

// CheckConnectivity verifies the adapter can make outbound requests at all.
// Webhook recipients are per-target URLs, so there is no single provider
// endpoint to probe; a nil client would be a wiring bug.
func (w *WebhookAdapter) CheckConnectivity(_ context.Context) error {
	if w.client == nil {
		return fmt.Errorf("webhook adapter for %q has no http client", w.cfg.Channel)
	}
	return nil
}
