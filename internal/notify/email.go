// Package notify delivers tenant alert emails through an HTTP email API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/api200/gateway/internal/config"
)

// Notifier sends one email. Callers treat failures as best-effort.
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, html string) error
}

type EmailClient struct {
	config     *config.NotifyConfig
	httpClient *http.Client
}

func NewEmailClient(cfg *config.NotifyConfig) *EmailClient {
	return &EmailClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type emailPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (c *EmailClient) SendEmail(ctx context.Context, to, subject, html string) error {
	if to == "" {
		return fmt.Errorf("email recipient is empty")
	}

	body, err := json.Marshal(emailPayload{
		From:    c.config.From,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.APIURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("email API error (HTTP %d): %s", resp.StatusCode, string(msg))
	}
	return nil
}

type nop struct{}

func (nop) SendEmail(context.Context, string, string, string) error { return nil }

// Nop is used when no email API is configured.
func Nop() Notifier { return nop{} }

// New returns an EmailClient when an API URL is configured, otherwise Nop.
func New(cfg *config.NotifyConfig) Notifier {
	if cfg == nil || cfg.APIURL == "" {
		return Nop()
	}
	return NewEmailClient(cfg)
}
