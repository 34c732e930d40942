// Package notifications posts operator messages to a Slack or Discord webhook.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/httputil"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

const defaultName = "TrahnMarketData"

type Sender struct {
	webhookURL string
	botName    string
	httpClient *http.Client
	retry      httputil.RetryConfig
	log        *slog.Logger
}

func NewSender(webhookURL, botName string, log *slog.Logger) *Sender {
	if botName == "" {
		botName = defaultName
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		webhookURL: webhookURL,
		botName:    botName,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
		},
		log: log.With("component", "notifications"),
	}
}

// Send logs msg and, when a webhook is configured, posts it. Delivery failures
// are logged and swallowed.
func (s *Sender) Send(ctx context.Context, msg string) {
	formatted := fmt.Sprintf("[%s] %s", s.botName, msg)
	s.log.Info("notify", "msg", msg)

	if s.webhookURL == "" {
		return
	}

	body, err := json.Marshal(s.formatPayload(formatted))
	if err != nil {
		s.log.Error("marshal webhook payload", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		s.log.Error("webhook delivery failed", "err", err)
		return
	}
	resp.Body.Close()
}

// BulkSummary reports a finished bulk collection run.
func (s *Sender) BulkSummary(ctx context.Context, r *models.BulkReport) {
	if r == nil {
		return
	}
	s.Send(ctx, FormatBulkSummary(r))
}

// KeepAliveFailure reports a connection check that ended disconnected.
func (s *Sender) KeepAliveFailure(ctx context.Context, res models.KeepAliveResult) {
	if !res.Checked || res.Connected {
		return
	}
	s.Send(ctx, fmt.Sprintf("gateway profile %q disconnected (reconnect attempted: %t): %s",
		res.ProfileName, res.ReconnectAttempted, res.Message))
}

func FormatBulkSummary(r *models.BulkReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "bulk run %s: %d/%d cells ok, %d records",
		shortID(r.ID), r.SuccessfulOperations, r.TotalOperations, r.TotalRecordsCollected)
	if r.Cancelled {
		b.WriteString(" (cancelled)")
	}
	if n := len(r.Errors); n > 0 {
		const maxListed = 3
		listed := r.Errors
		if n > maxListed {
			listed = listed[:maxListed]
		}
		fmt.Fprintf(&b, "; failures: %s", strings.Join(listed, "; "))
		if n > maxListed {
			fmt.Fprintf(&b, " (+%d more)", n-maxListed)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Sender) formatPayload(msg string) map[string]string {
	if strings.Contains(s.webhookURL, "discord") {
		return map[string]string{
			"content":  msg,
			"username": s.botName,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": s.botName,
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}
