package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// SessionState is the WhatsApp gateway session lifecycle state.
type SessionState string

const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateAwaitingQRScan SessionState = "awaiting_qr_scan"
	StateConnected      SessionState = "connected"
)

const (
	// qrScanTimeout bounds how long a pairing QR stays valid before the
	// session falls back to disconnected.
	qrScanTimeout = 2 * time.Minute

	// reconnectAttempts caps the automatic reconnect loop so a dead
	// gateway cannot trigger a retry storm.
	reconnectAttempts = 5
	reconnectBaseWait = 2 * time.Second
)

// Session owns the single WhatsApp gateway connection for this process.
// All state lives behind the mutex; reconnects are serialized through a
// singleflight group so overlapping triggers collapse into one attempt.
type Session struct {
	gatewayURL string
	instance   string
	apiKey     string
	client     *http.Client

	mu         sync.Mutex
	state      SessionState
	qr         string
	qrDeadline time.Time

	reconnects singleflight.Group
}

type gatewayStateResponse struct {
	State string `json:"state"`
	QR    string `json:"qr,omitempty"`
	Error string `json:"error,omitempty"`
}

type gatewaySendRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

func NewSession(cfg *config.Config) *Session {
	return &Session{
		gatewayURL: cfg.Channels.WhatsAppGatewayURL,
		instance:   cfg.Channels.WhatsAppInstance,
		apiKey:     cfg.Channels.WhatsAppAPIKey,
		client: &http.Client{
			Timeout: cfg.Channels.WhatsAppTimeout,
		},
		state: StateDisconnected,
	}
}

// Status returns the current state and, while pairing, the QR payload the
// operator must scan. An expired QR degrades the session to disconnected.
func (s *Session) Status() (SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAwaitingQRScan && time.Now().After(s.qrDeadline) {
		util.Warn("WhatsApp pairing QR expired; session back to disconnected")
		s.state = StateDisconnected
		s.qr = ""
	}

	return s.state, s.qr
}

// Connect asks the gateway to open (or resume) the session. First-time
// pairing lands in awaiting_qr_scan until a human scans the code.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting, "")

	resp, err := s.gatewayGet(ctx, "/instance/connect/"+s.instance)
	if err != nil {
		s.setState(StateDisconnected, "")
		return fmt.Errorf("%w: gateway connect failed: %v", ErrChannelUnavailable, err)
	}

	switch resp.State {
	case "open":
		s.setState(StateConnected, "")
		util.Info("WhatsApp session connected", util.String("instance", s.instance))
		return nil
	case "qr":
		s.mu.Lock()
		s.state = StateAwaitingQRScan
		s.qr = resp.QR
		s.qrDeadline = time.Now().Add(qrScanTimeout)
		s.mu.Unlock()
		util.Info("WhatsApp session awaiting QR scan", util.String("instance", s.instance))
		return nil
	default:
		s.setState(StateDisconnected, "")
		return fmt.Errorf("%w: gateway reported state %q: %s", ErrChannelUnavailable, resp.State, resp.Error)
	}
}

// SendText delivers a message. Valid only while connected; any other state
// fails fast rather than queuing. A transport error drops the session to
// disconnected and kicks off the bounded reconnect loop.
func (s *Session) SendText(ctx context.Context, destination, body string) error {
	if state, _ := s.Status(); state != StateConnected {
		return fmt.Errorf("%w: whatsapp session is %s", ErrChannelUnavailable, state)
	}

	payload, err := json.Marshal(gatewaySendRequest{Number: destination, Text: body})
	if err != nil {
		return fmt.Errorf("failed to marshal whatsapp message: %w", err)
	}

	url := s.gatewayURL + "/message/sendText/" + s.instance
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		util.Error("WhatsApp transport error; dropping session",
			util.Identifier(destination),
			util.ErrorField(err))
		s.setState(StateDisconnected, "")
		s.reconnectAsync()
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		s.setState(StateDisconnected, "")
		s.reconnectAsync()
		return fmt.Errorf("%w: gateway returned %d", ErrDeliveryFailed, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: gateway returned %d: %s", ErrDeliveryFailed, resp.StatusCode, detail)
	}

	return nil
}

// Disconnect logs the instance out and drops to disconnected.
func (s *Session) Disconnect(ctx context.Context) error {
	url := s.gatewayURL + "/instance/logout/" + s.instance
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build logout request: %w", err)
	}
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}

	s.setState(StateDisconnected, "")
	util.Info("WhatsApp session disconnected", util.String("instance", s.instance))
	return nil
}

// reconnectAsync runs one reconnect loop in the background. Concurrent
// triggers share the in-flight loop instead of racing to create duplicate
// sessions.
func (s *Session) reconnectAsync() {
	go func() {
		_, _, _ = s.reconnects.Do("reconnect", func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
			defer cancel()

			backoff := retry.WithMaxRetries(reconnectAttempts, retry.NewExponential(reconnectBaseWait))
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				if err := s.Connect(ctx); err != nil {
					return retry.RetryableError(err)
				}

				state, _ := s.Status()
				switch state {
				case StateConnected:
					return nil
				case StateAwaitingQRScan:
					// Pairing needs a human; retrying won't help.
					return nil
				default:
					return retry.RetryableError(fmt.Errorf("session still %s", state))
				}
			})
			if err != nil {
				util.Error("WhatsApp reconnect gave up",
					util.Int("attempts", reconnectAttempts),
					util.ErrorField(err))
			}
			return nil, nil
		})
	}()
}

func (s *Session) setState(state SessionState, qr string) {
	s.mu.Lock()
	s.state = state
	s.qr = qr
	s.mu.Unlock()
}

func (s *Session) gatewayGet(ctx context.Context, path string) (*gatewayStateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var parsed gatewayStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("bad gateway response: %w", err)
	}
	return &parsed, nil
}

// WhatsAppChannel adapts the session to the Channel interface.
type WhatsAppChannel struct {
	session *Session
}

func NewWhatsAppChannel(session *Session) *WhatsAppChannel {
	return &WhatsAppChannel{session: session}
}

func (c *WhatsAppChannel) Name() string {
	return "whatsapp"
}

func (c *WhatsAppChannel) Send(ctx context.Context, destination, body string) error {
	return c.session.SendText(ctx, destination, body)
}

// Session exposes the underlying session for status reporting.
func (c *WhatsAppChannel) Session() *Session {
	return c.session
}
