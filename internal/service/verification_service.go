package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/channel"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/otp"
	"otp-service/internal/store"
	"otp-service/internal/util"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownChannel = errors.New("unknown delivery channel")
)

// Outcome is the user-facing result of a verification operation. Message is
// always safe to show; internal error detail stays in logs.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Event is the OTP lifecycle event published to Kafka.
type Event struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	IdentifierHash string    `json:"identifier_hash"`
	Channel        string    `json:"channel"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// VerificationService orchestrates code generation, storage and delivery.
// It is the only consumer of the store's verify transition and emits exactly
// one delivery attempt per send; verifying never sends.
type VerificationService struct {
	store     store.Store
	channels  map[store.Channel]channel.Channel
	producer  *client.KafkaProducer
	auditSink *audit.Sink
	config    *config.Config
	logger    *zap.Logger

	sweepStop chan struct{}
}

func NewVerificationService(
	recordStore store.Store,
	channels map[store.Channel]channel.Channel,
	producer *client.KafkaProducer,
	auditSink *audit.Sink,
	cfg *config.Config,
	logger *zap.Logger,
) *VerificationService {
	return &VerificationService{
		store:     recordStore,
		channels:  channels,
		producer:  producer,
		auditSink: auditSink,
		config:    cfg,
		logger:    logger,
		sweepStop: make(chan struct{}),
	}
}

// SendCode issues a fresh code for the identifier, superseding any earlier
// one, and delivers it over the requested channel.
//
// Delivery failure policy: the stored record is rolled back and the whole
// operation fails. A code the user was never shown must not stay valid.
func (s *VerificationService) SendCode(ctx context.Context, identifier string, ch store.Channel, displayName string) (*Outcome, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}

	transport, ok := s.channels[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownChannel, ch)
	}

	policy := s.config.PolicyFor(string(ch))
	code, err := otp.Generate(policy.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	now := time.Now().UTC()
	rec := &store.VerificationRecord{
		AttemptID:   uuid.New().String(),
		Identifier:  identifier,
		Code:        code,
		Channel:     ch,
		Destination: identifier,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(policy.TTL),
	}

	// Store first, then deliver. The store releases its lock before we
	// touch the network, so a slow provider never stalls verifies.
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store verification record: %w", err)
	}

	body := renderMessage(ch, code, displayName, policy.TTL)

	if err := transport.Send(ctx, identifier, body); err != nil {
		// Roll back so no valid code the user never saw stays live. The
		// delete is attempt-conditional: a concurrent resend that already
		// replaced the record keeps its fresh code.
		if delErr := s.store.DeleteAttempt(ctx, identifier, rec.AttemptID); delErr != nil {
			util.Warn("Failed to roll back record after delivery failure",
				util.Identifier(identifier),
				util.ErrorField(delErr))
		}

		s.publishEvent(ctx, "otp.send_failed", identifier, ch)
		s.recordAudit(ctx, identifier, ch, "send", "delivery_failed")

		s.logger.Error("Code delivery failed",
			util.Identifier(identifier),
			util.String("channel", string(ch)),
			util.ErrorField(err))

		if errors.Is(err, channel.ErrChannelUnavailable) {
			return &Outcome{
				Success: false,
				Message: "This delivery channel is currently unavailable. Please try again or use a different channel.",
			}, nil
		}
		return &Outcome{
			Success: false,
			Message: "We could not send your verification code. Please try again.",
		}, nil
	}

	s.publishEvent(ctx, "otp.sent", identifier, ch)
	s.recordAudit(ctx, identifier, ch, "send", "sent")

	s.logger.Info("Verification code sent",
		util.Identifier(identifier),
		util.String("channel", string(ch)),
		util.Duration("ttl", policy.TTL))

	if s.config.IsDevelopment() {
		// Development-only diagnostic; never enabled in production.
		util.Debug("Issued code", util.Identifier(identifier), util.String("code", code))
	}

	return &Outcome{Success: true, Message: "Verification code sent."}, nil
}

// VerifyCode checks a submitted code and maps the store's typed result to a
// short user-facing message.
func (s *VerificationService) VerifyCode(ctx context.Context, identifier, code string) (*Outcome, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}

	result, err := s.store.Verify(ctx, identifier, code)
	if err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	s.recordAudit(ctx, identifier, "", "verify", result.String())

	switch result {
	case store.VerifySuccess:
		s.publishEvent(ctx, "otp.verified", identifier, "")
		s.logger.Info("Code verified", util.Identifier(identifier))
		return &Outcome{Success: true, Message: "Verified."}, nil
	case store.VerifyExpired:
		return &Outcome{Success: false, Message: "Your code has expired. Please request a new one."}, nil
	case store.VerifyAlreadyConsumed:
		return &Outcome{Success: false, Message: "This code has already been used. Please request a new one."}, nil
	case store.VerifyMismatch:
		return &Outcome{Success: false, Message: "Incorrect code. Please try again."}, nil
	default:
		return &Outcome{Success: false, Message: "No verification is in progress for this contact. Please request a code first."}, nil
	}
}

// ResendCode issues and delivers a fresh code. The store's overwrite
// semantics invalidate the previous one.
func (s *VerificationService) ResendCode(ctx context.Context, identifier string, ch store.Channel, displayName string) (*Outcome, error) {
	return s.SendCode(ctx, identifier, ch, displayName)
}

// ChannelStatus reports the WhatsApp session state for operational
// visibility, if a session-backed channel is registered.
func (s *VerificationService) ChannelStatus() (channel.SessionState, string, bool) {
	transport, ok := s.channels[store.ChannelWhatsApp]
	if !ok {
		return "", "", false
	}
	wa, ok := transport.(*channel.WhatsAppChannel)
	if !ok {
		return "", "", false
	}
	state, qr := wa.Session().Status()
	return state, qr, true
}

// StartSweeper launches the periodic expired-record sweep.
func (s *VerificationService) StartSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				count, err := s.store.SweepExpired(ctx)
				cancel()
				if err != nil {
					util.Warn("Expired record sweep failed", util.ErrorField(err))
					continue
				}
				if count > 0 {
					util.Debug("Swept expired records", util.Int("count", count))
				}
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// Cleanup stops background work.
func (s *VerificationService) Cleanup() {
	close(s.sweepStop)
}

func (s *VerificationService) publishEvent(ctx context.Context, eventType, identifier string, ch store.Channel) {
	if s.producer == nil {
		return
	}

	event := Event{
		EventID:        uuid.New().String(),
		Type:           eventType,
		IdentifierHash: audit.HashIdentifier(identifier),
		Channel:        string(ch),
		OccurredAt:     time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Warn("Failed to marshal lifecycle event", util.ErrorField(err))
		return
	}

	if err := s.producer.ProduceMessage(ctx, []byte(event.IdentifierHash), payload); err != nil {
		util.Warn("Failed to publish lifecycle event",
			util.String("type", eventType),
			util.ErrorField(err))
	}
}

func (s *VerificationService) recordAudit(ctx context.Context, identifier string, ch store.Channel, operation, outcome string) {
	if s.auditSink == nil {
		return
	}

	err := s.auditSink.Record(ctx, audit.Attempt{
		IdentifierHash: audit.HashIdentifier(identifier),
		Channel:        string(ch),
		Operation:      operation,
		Outcome:        outcome,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		util.Warn("Failed to record audit attempt", util.ErrorField(err))
	}
}

// normalizeIdentifier strips the separators users type into phone numbers.
func normalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	return replacer.Replace(identifier)
}

func renderMessage(ch store.Channel, code, displayName string, ttl time.Duration) string {
	minutes := int(ttl.Minutes())
	greeting := "Hi"
	if displayName != "" {
		greeting = "Hi " + displayName
	}

	switch ch {
	case store.ChannelWhatsApp:
		return fmt.Sprintf("%s! Your FuelFriendly verification code is %s. It expires in %d minutes.", greeting, code, minutes)
	case store.ChannelEmail:
		return fmt.Sprintf("%s,\n\nYour FuelFriendly verification code is %s.\nThe code expires in %d minutes.\n\nIf you did not request this, you can ignore this message.", greeting, code, minutes)
	default:
		return fmt.Sprintf("%s is your FuelFriendly verification code. Valid for %d minutes.", code, minutes)
	}
}
