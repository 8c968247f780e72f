package scylla

import (
	"context"
	"fmt"
	"time"

	"otp-service/internal/store"
)

// OTPMirror is the best-effort durable copy of the in-memory record table,
// kept for crash recovery. Codes themselves are never mirrored; a restart
// invalidates outstanding codes, which is acceptable, but the attempt
// history survives.
type OTPMirror struct {
	client *ScyllaClient
}

func NewOTPMirror(client *ScyllaClient) *OTPMirror {
	return &OTPMirror{client: client}
}

// UpsertRecord writes the record with a TTL matching its expiry.
func (m *OTPMirror) UpsertRecord(ctx context.Context, rec *store.VerificationRecord) error {
	ttl := int(time.Until(rec.ExpiresAt).Seconds())
	if ttl <= 0 {
		ttl = 1
	}

	query := m.client.Prepared.UpsertRecord.WithContext(ctx).Bind(
		rec.Identifier, rec.AttemptID, string(rec.Channel), rec.Destination,
		rec.DisplayName, rec.CreatedAt, rec.ExpiresAt, rec.Consumed,
		rec.Attempts, ttl)

	if err := m.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to mirror verification record: %w", err)
	}
	return nil
}

// DeleteRecord drops the mirrored row. Missing rows are not an error.
func (m *OTPMirror) DeleteRecord(ctx context.Context, identifier string) error {
	query := m.client.Prepared.DeleteRecord.WithContext(ctx).Bind(identifier)

	if err := m.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to delete mirrored record: %w", err)
	}
	return nil
}
