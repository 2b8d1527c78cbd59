package actions

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
)

// WebhookExecutor POSTs a JSON view of the matched message to an HTTP
// endpoint. Attachment contents are never sent, only their metadata.
//
// Config:
//
//	url    — target endpoint (required, http or https)
//	method — HTTP method (optional, default POST)
type WebhookExecutor struct {
	client *http.Client
}

var allowedWebhookMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func NewWebhookExecutor() *WebhookExecutor {
	return &WebhookExecutor{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

func (e *WebhookExecutor) Kind() db.ActionKind {
	return db.KindWebhook
}

func (e *WebhookExecutor) Validate(action *db.FilterAction) error {
	rawURL := configString(action.Config, "url")
	if rawURL == "" {
		return &ValidationError{Kind: db.KindWebhook, Reason: "url is required"}
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Kind: db.KindWebhook, Reason: fmt.Sprintf("url %q is not a valid http(s) URL", rawURL)}
	}
	if method := configString(action.Config, "method"); method != "" {
		if !allowedWebhookMethods[strings.ToUpper(method)] {
			return &ValidationError{Kind: db.KindWebhook, Reason: fmt.Sprintf("unsupported method %q", method)}
		}
	}
	return nil
}

func (e *WebhookExecutor) Execute(ctx context.Context, ec *ExecContext) error {
	targetURL := configString(ec.Action.Config, "url")
	method := strings.ToUpper(configString(ec.Action.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(newEnvelope(ec.Message))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Retry-Attempt", strconv.Itoa(ec.Attempt))

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	logger.Debug("Webhook delivered", "message_id", ec.Message.ID, "url", targetURL, "status", resp.StatusCode)
	return nil
}
