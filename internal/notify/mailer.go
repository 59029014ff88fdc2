package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/civiclegal/referralflow/internal/config"
	"github.com/civiclegal/referralflow/model"
)

// Message is one outbound email.
type Message struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html"`
	TextBody string `json:"text"`
}

// Mailer delivers outbound email. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

const (
	sendAttempts   = 3
	backoffInitial = 200 * time.Millisecond
	backoffMax     = 2 * time.Second
)

// APIMailer delivers mail through an HTTP mail-provider API.
type APIMailer struct {
	cfg    config.MailerConfig
	client *http.Client
}

// NewAPIMailer creates a mailer against the configured provider endpoint.
func NewAPIMailer(cfg config.MailerConfig) *APIMailer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &APIMailer{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Send posts the message to the provider, retrying transient failures with
// exponential backoff. A terminal failure returns a SEND_FAILURE error.
func (m *APIMailer) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"from":    m.cfg.FromAddress,
		"to":      msg.To,
		"subject": msg.Subject,
		"html":    msg.HTMLBody,
		"text":    msg.TextBody,
	}
	if m.cfg.ReplyTo != "" {
		payload["reply_to"] = m.cfg.ReplyTo
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return model.NewSendFailureError(fmt.Sprintf("marshal message: %v", err))
	}

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.NewSendFailureError(ctx.Err().Error())
			case <-time.After(backoff(attempt)):
			}
		}

		lastErr = m.sendOnce(ctx, bodyBytes)
		if lastErr == nil {
			return nil
		}
		var transient *transientSendError
		if !errors.As(lastErr, &transient) {
			return lastErr
		}
	}
	return model.NewSendFailureError(lastErr.Error())
}

func (m *APIMailer) sendOnce(ctx context.Context, bodyBytes []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL+"/messages", bytes.NewReader(bodyBytes))
	if err != nil {
		return model.NewSendFailureError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if isConnectionError(err) {
			return &transientSendError{msg: fmt.Sprintf("mail provider unreachable: %v", err)}
		}
		return model.NewSendFailureError(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return &transientSendError{
			msg: fmt.Sprintf("mail provider returned %d: %s", resp.StatusCode, truncate(respBody, 256)),
		}
	case resp.StatusCode >= 400:
		return model.NewSendFailureError(
			fmt.Sprintf("mail provider rejected message with %d: %s", resp.StatusCode, truncate(respBody, 256)),
		)
	}
	return nil
}

// transientSendError marks failures worth retrying within a single Send.
type transientSendError struct {
	msg string
}

func (e *transientSendError) Error() string { return e.msg }

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(attempt int) time.Duration {
	delay := backoffInitial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > backoffMax {
			return backoffMax
		}
	}
	return delay
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
