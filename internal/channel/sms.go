package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// SMSChannel sends through a stateless HTTP SMS provider. Every send is one
// POST; there is no session to manage.
type SMSChannel struct {
	apiURL   string
	apiKey   string
	senderID string
	client   *http.Client
}

type smsPayload struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

type smsResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewSMSChannel(cfg *config.Config) *SMSChannel {
	return &SMSChannel{
		apiURL:   cfg.Channels.SMSAPIURL,
		apiKey:   cfg.Channels.SMSAPIKey,
		senderID: cfg.Channels.SMSSenderID,
		client: &http.Client{
			Timeout: cfg.Channels.SMSTimeout,
		},
	}
}

func (c *SMSChannel) Name() string {
	return "sms"
}

func (c *SMSChannel) Send(ctx context.Context, destination, body string) error {
	if c.apiURL == "" {
		return fmt.Errorf("%w: sms provider not configured", ErrChannelUnavailable)
	}

	payload, err := json.Marshal(smsPayload{
		To:      destination,
		From:    c.senderID,
		Message: body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		util.Error("SMS provider request failed",
			util.Identifier(destination),
			util.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readErrorDetail(resp.Body)
		util.Error("SMS provider rejected message",
			util.Identifier(destination),
			util.Int("status", resp.StatusCode),
			util.String("detail", detail))
		return fmt.Errorf("%w: provider returned %d: %s", ErrDeliveryFailed, resp.StatusCode, detail)
	}

	util.Debug("SMS delivered",
		util.Identifier(destination),
		util.Duration("duration", time.Since(start)))

	return nil
}

// readErrorDetail extracts a provider error message from a failed response
// without trusting the body to be well-formed.
func readErrorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}

	var parsed smsResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(raw)
}
