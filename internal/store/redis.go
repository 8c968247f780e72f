package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"otp-service/internal/client"
	"otp-service/internal/hashing"
	"otp-service/internal/util"
)

const (
	otpPrefix         = "otp:"
	otpConsumedPrefix = "otp_consumed:"
)

// consumeScript deletes the record key only while it still holds the attempt
// observed at read time. The argon2 comparison stays client-side; only the
// attempt identity check runs on the server. Returns 1 on consume, 0 when
// the key is gone, -1 when a newer attempt took the key.
const consumeScript = `
local payload = redis.call('GET', KEYS[1])
if not payload then
	return 0
end
local rec = cjson.decode(payload)
if rec['attempt_id'] ~= ARGV[1] then
	return -1
end
redis.call('DEL', KEYS[1])
return 1
`

// deleteAttemptScript removes the record key only if it still belongs to the
// given attempt. Returns 1 on delete, 0 otherwise.
const deleteAttemptScript = `
local payload = redis.call('GET', KEYS[1])
if not payload then
	return 0
end
local rec = cjson.decode(payload)
if rec['attempt_id'] ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// redisRecord is the cached shape of a verification record. Only the argon2
// digest of the code crosses the wire; plaintext codes never reach Redis.
type redisRecord struct {
	AttemptID   string    `json:"attempt_id"`
	Identifier  string    `json:"identifier"`
	CodeHash    string    `json:"code_hash"`
	Channel     Channel   `json:"channel"`
	Destination string    `json:"destination,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
}

// RedisStore is the network-backed store for multi-instance deployments.
// Expiry is delegated to Redis key TTLs. The single-success guarantee for
// concurrent verifies is the attempt-conditional consume script: exactly one
// caller deletes the record it read.
type RedisStore struct {
	client *client.RedisClient
	hasher *hashing.CodeHasher
	now    func() time.Time

	// test hook, runs after the record read in Verify
	onRead func()
}

func NewRedisStore(client *client.RedisClient, hasher *hashing.CodeHasher) *RedisStore {
	return &RedisStore{
		client: client,
		hasher: hasher,
		now:    time.Now,
	}
}

// Put caches a new record under the identifier, superseding any previous
// code and clearing a stale consumed marker.
func (s *RedisStore) Put(ctx context.Context, rec *VerificationRecord) error {
	codeHash, err := s.hasher.Hash(rec.Code)
	if err != nil {
		return fmt.Errorf("failed to hash code: %w", err)
	}

	cached := redisRecord{
		AttemptID:   rec.AttemptID,
		Identifier:  rec.Identifier,
		CodeHash:    codeHash,
		Channel:     rec.Channel,
		Destination: rec.Destination,
		DisplayName: rec.DisplayName,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Attempts:    rec.Attempts,
	}

	payload, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("record for %s already expired at put time", rec.Identifier)
	}

	if err := s.client.Set(ctx, otpPrefix+rec.Identifier, payload, ttl); err != nil {
		util.Error("Failed to cache verification record",
			util.Identifier(rec.Identifier),
			util.ErrorField(err))
		return fmt.Errorf("failed to cache verification record: %w", err)
	}

	if _, err := s.client.Del(ctx, otpConsumedPrefix+rec.Identifier); err != nil {
		util.Warn("Failed to clear consumed marker",
			util.Identifier(rec.Identifier),
			util.ErrorField(err))
	}

	return nil
}

// Get returns the cached record. The Code field stays empty; Redis only
// holds the digest.
func (s *RedisStore) Get(ctx context.Context, identifier string) (*VerificationRecord, error) {
	payload, found, err := s.client.Get(ctx, otpPrefix+identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to get verification record: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	var cached redisRecord
	if err := json.Unmarshal([]byte(payload), &cached); err != nil {
		return nil, fmt.Errorf("corrupt verification record for %s: %w", identifier, err)
	}

	return &VerificationRecord{
		AttemptID:   cached.AttemptID,
		Identifier:  cached.Identifier,
		Channel:     cached.Channel,
		Destination: cached.Destination,
		DisplayName: cached.DisplayName,
		CreatedAt:   cached.CreatedAt,
		ExpiresAt:   cached.ExpiresAt,
		Attempts:    cached.Attempts,
	}, nil
}

// Delete removes the record and its consumed marker.
func (s *RedisStore) Delete(ctx context.Context, identifier string) error {
	if _, err := s.client.Del(ctx, otpPrefix+identifier, otpConsumedPrefix+identifier); err != nil {
		return fmt.Errorf("failed to delete verification record: %w", err)
	}
	return nil
}

// DeleteAttempt removes the record only if it still belongs to the given
// attempt; a newer record under the same identifier stays untouched.
func (s *RedisStore) DeleteAttempt(ctx context.Context, identifier, attemptID string) error {
	if _, err := s.client.Eval(ctx, deleteAttemptScript, []string{otpPrefix + identifier}, attemptID); err != nil {
		return fmt.Errorf("failed to delete attempt record: %w", err)
	}
	return nil
}

// Verify checks the submitted code against the cached digest. On a match the
// record is consumed by a value-conditional delete keyed on the attempt read
// here: exactly one concurrent verifier consumes it, and a resend landing
// between the read and the consume keeps its fresh record.
func (s *RedisStore) Verify(ctx context.Context, identifier, code string) (VerifyResult, error) {
	key := otpPrefix + identifier

	payload, found, err := s.client.Get(ctx, key)
	if err != nil {
		return VerifyNotFound, fmt.Errorf("failed to get verification record: %w", err)
	}
	if !found {
		consumed, err := s.client.Exists(ctx, otpConsumedPrefix+identifier)
		if err != nil {
			return VerifyNotFound, fmt.Errorf("failed to check consumed marker: %w", err)
		}
		if consumed {
			return VerifyAlreadyConsumed, nil
		}
		return VerifyNotFound, nil
	}

	var cached redisRecord
	if err := json.Unmarshal([]byte(payload), &cached); err != nil {
		return VerifyNotFound, fmt.Errorf("corrupt verification record for %s: %w", identifier, err)
	}

	if s.onRead != nil {
		s.onRead()
	}

	// Redis TTL normally evicts first; this guards against TTL drift.
	if s.now().After(cached.ExpiresAt) {
		if _, err := s.client.Del(ctx, key); err != nil {
			util.Warn("Failed to delete expired record",
				util.Identifier(identifier),
				util.ErrorField(err))
		}
		return VerifyExpired, nil
	}

	match, err := s.hasher.Verify(code, cached.CodeHash)
	if err != nil {
		return VerifyNotFound, fmt.Errorf("failed to verify code digest: %w", err)
	}
	if !match {
		return VerifyMismatch, nil
	}

	res, err := s.client.Eval(ctx, consumeScript, []string{key}, cached.AttemptID)
	if err != nil {
		return VerifyNotFound, fmt.Errorf("failed to consume verification record: %w", err)
	}
	switch n, _ := res.(int64); n {
	case 1:
	case -1:
		// A resend replaced the record after the read; the code we just
		// matched belongs to a superseded attempt.
		return VerifyMismatch, nil
	default:
		// Lost the consume race to a concurrent verifier.
		return VerifyAlreadyConsumed, nil
	}

	markerTTL := cached.ExpiresAt.Sub(s.now())
	if markerTTL <= 0 {
		markerTTL = time.Minute
	}
	if _, err := s.client.SetNX(ctx, otpConsumedPrefix+identifier, "1", markerTTL); err != nil {
		util.Warn("Failed to set consumed marker",
			util.Identifier(identifier),
			util.ErrorField(err))
	}

	return VerifySuccess, nil
}

// SweepExpired is housekeeping only; Redis evicts expired keys itself. It
// scans for record keys that somehow lost their TTL and removes them.
func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.client.ScanKeys(ctx, otpPrefix+"*", 1000)
	if err != nil {
		return 0, fmt.Errorf("failed to scan record keys: %w", err)
	}

	swept := 0
	for _, key := range keys {
		ttl, err := s.client.TTL(ctx, key)
		if err != nil {
			continue
		}
		if ttl == -1 {
			util.Warn("Found record key without TTL", util.String("key", key))
			if _, err := s.client.Del(ctx, key); err == nil {
				swept++
			}
		}
	}

	return swept, nil
}
