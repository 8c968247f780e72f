package store

import (
	"context"
	"errors"
	"time"
)

// Channel names a delivery transport a code was issued for.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// Store backend names accepted by OTP_STORE_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Valid reports whether the channel is one of the supported transports.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// VerificationRecord is one outstanding verification attempt for an
// identifier. Records are owned exclusively by the store; the consume
// transition happens only inside Verify.
type VerificationRecord struct {
	AttemptID   string    `json:"attempt_id"`
	Identifier  string    `json:"identifier"`
	Code        string    `json:"-"`
	Channel     Channel   `json:"channel"`
	Destination string    `json:"destination,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `json:"consumed"`
	Attempts    int       `json:"attempts"`
}

// VerifyResult is the typed outcome of a Verify call.
type VerifyResult int

const (
	// VerifyNotFound means no record exists for the identifier.
	VerifyNotFound VerifyResult = iota
	// VerifyAlreadyConsumed means the record was already matched once.
	VerifyAlreadyConsumed
	// VerifyExpired means the record outlived its TTL; it is deleted as a
	// side effect.
	VerifyExpired
	// VerifyMismatch means the code did not match; the record stays intact.
	VerifyMismatch
	// VerifySuccess means the code matched and the record is now consumed.
	VerifySuccess
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyNotFound:
		return "not_found"
	case VerifyAlreadyConsumed:
		return "already_consumed"
	case VerifyExpired:
		return "expired"
	case VerifyMismatch:
		return "mismatch"
	case VerifySuccess:
		return "success"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by Get when no record exists for an identifier.
var ErrNotFound = errors.New("verification record not found")

// Store is the authoritative holder of verification records. At most one
// active record exists per identifier; Put unconditionally supersedes any
// prior record. Verify is atomic per identifier: concurrent calls with the
// correct code yield exactly one VerifySuccess.
//
// DeleteAttempt removes the record only while it still belongs to the given
// attempt, so rolling back a failed delivery cannot clobber a newer code
// issued concurrently for the same identifier.
type Store interface {
	Put(ctx context.Context, rec *VerificationRecord) error
	Get(ctx context.Context, identifier string) (*VerificationRecord, error)
	Delete(ctx context.Context, identifier string) error
	DeleteAttempt(ctx context.Context, identifier, attemptID string) error
	Verify(ctx context.Context, identifier, code string) (VerifyResult, error)
	SweepExpired(ctx context.Context) (int, error)
}
