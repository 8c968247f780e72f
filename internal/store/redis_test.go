package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/hashing"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:      "redis://" + mr.Addr(),
			PoolSize: 10,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}

	redisClient, err := client.NewRedisClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	return NewRedisStore(redisClient, hashing.NewCodeHasher(cfg)), mr
}

func redisTestRecord(identifier, attemptID, code string, ttl time.Duration) *VerificationRecord {
	now := time.Now().UTC()
	return &VerificationRecord{
		AttemptID:  attemptID,
		Identifier: identifier,
		Code:       code,
		Channel:    ChannelSMS,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

func TestRedisVerifyWithoutRecord(t *testing.T) {
	s, _ := newRedisTestStore(t)

	result, err := s.Verify(context.Background(), "+15550001111", "123456")
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, result)
}

func TestRedisVerifySuccessThenAlreadyConsumed(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-1", "482913", 5*time.Minute)))

	result, err := s.Verify(ctx, "+15550001111", "482913")
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, result)

	// The consumed marker distinguishes a spent code from one never issued.
	result, err = s.Verify(ctx, "+15550001111", "482913")
	require.NoError(t, err)
	assert.Equal(t, VerifyAlreadyConsumed, result)
}

func TestRedisVerifyMismatchKeepsRecordAlive(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-1", "482913", 5*time.Minute)))

	result, err := s.Verify(ctx, "+15550001111", "000000")
	require.NoError(t, err)
	assert.Equal(t, VerifyMismatch, result)

	result, err = s.Verify(ctx, "+15550001111", "482913")
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, result)
}

func TestRedisPutSupersedesPriorCode(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-1", "111111", 5*time.Minute)))
	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-2", "222222", 5*time.Minute)))

	result, err := s.Verify(ctx, "+15550001111", "111111")
	require.NoError(t, err)
	assert.Equal(t, VerifyMismatch, result, "superseded code must stop working")

	result, err = s.Verify(ctx, "+15550001111", "222222")
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, result)
}

func TestRedisPutClearsConsumedMarker(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-1", "111111", 5*time.Minute)))

	result, err := s.Verify(ctx, "+15550001111", "111111")
	require.NoError(t, err)
	require.Equal(t, VerifySuccess, result)

	// A fresh send must not inherit the previous attempt's consumed state.
	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-2", "222222", 5*time.Minute)))

	result, err = s.Verify(ctx, "+15550001111", "222222")
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, result)
}

func TestRedisResendBetweenReadAndConsume(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-1", "111111", 5*time.Minute)))

	// A resend lands after the verifier has read the old record but before
	// it consumes; the stale attempt must not win or destroy the new one.
	s.onRead = func() {
		s.onRead = nil
		require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-2", "222222", 5*time.Minute)))
	}

	result, err := s.Verify(ctx, "+15550001111", "111111")
	require.NoError(t, err)
	assert.Equal(t, VerifyMismatch, result, "superseded attempt may not report success")

	result, err = s.Verify(ctx, "+15550001111", "222222")
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, result, "the fresh record must survive the stale verifier")
}

func TestRedisDeleteAttemptSkipsNewerRecord(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-2", "222222", 5*time.Minute)))

	// Rolling back a stale attempt leaves the newer record in place.
	require.NoError(t, s.DeleteAttempt(ctx, "+15550001111", "attempt-1"))
	_, err := s.Get(ctx, "+15550001111")
	assert.NoError(t, err)

	require.NoError(t, s.DeleteAttempt(ctx, "+15550001111", "attempt-2"))
	_, err = s.Get(ctx, "+15550001111")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisVerifyExpiryDriftGuard(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-1", "482913", 5*time.Minute)))

	// The key is still alive but the payload expiry has passed.
	s.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	result, err := s.Verify(ctx, "+15550001111", "482913")
	require.NoError(t, err)
	assert.Equal(t, VerifyExpired, result)

	_, err = s.Get(ctx, "+15550001111")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSweepRemovesKeysWithoutTTL(t *testing.T) {
	s, mr := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redisTestRecord("+15550001111", "attempt-1", "482913", 5*time.Minute)))
	// A record key that somehow lost its TTL would never expire.
	require.NoError(t, mr.Set(otpPrefix+"stray", "{}"))

	swept, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = s.Get(ctx, "+15550001111")
	assert.NoError(t, err, "keys with a live TTL stay")
}
