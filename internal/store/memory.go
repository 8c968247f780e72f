package store

import (
	"context"
	"crypto/subtle"
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-service/internal/util"
)

// Mirror is an optional best-effort durable copy of the in-memory table,
// used for crash recovery. Mirror failures never fail the primary operation.
type Mirror interface {
	UpsertRecord(ctx context.Context, rec *VerificationRecord) error
	DeleteRecord(ctx context.Context, identifier string) error
}

// MemoryStore keeps verification records in a lock-striped shard table.
// Identifiers map to shards by murmur3 hash, so contention on one
// identifier never blocks verify calls for unrelated identifiers.
type MemoryStore struct {
	shards     []*memoryShard
	shardCount uint64
	hasherPool sync.Pool
	mirror     Mirror
	now        func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*VerificationRecord
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMirror attaches a write-through durable mirror.
func WithMirror(m Mirror) MemoryOption {
	return func(s *MemoryStore) { s.mirror = m }
}

// WithClock replaces the time source, for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory store with the given shard count.
func NewMemoryStore(shards int, opts ...MemoryOption) *MemoryStore {
	if shards < 1 {
		shards = 1
	}

	s := &MemoryStore{
		shards:     make([]*memoryShard, shards),
		shardCount: uint64(shards),
		now:        time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]*VerificationRecord)}
	}
	s.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *MemoryStore) shardFor(identifier string) *memoryShard {
	hasher := s.hasherPool.Get().(hash.Hash64)
	defer s.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(identifier))
	return s.shards[hasher.Sum64()%s.shardCount]
}

// Put unconditionally replaces any existing record for the identifier.
func (s *MemoryStore) Put(ctx context.Context, rec *VerificationRecord) error {
	stored := *rec

	shard := s.shardFor(rec.Identifier)
	shard.mu.Lock()
	shard.records[rec.Identifier] = &stored
	shard.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.UpsertRecord(ctx, rec); err != nil {
			util.Warn("Durable mirror write failed",
				util.Identifier(rec.Identifier),
				util.ErrorField(err))
		}
	}

	return nil
}

// Get returns a copy of the record, leaving expiry and consumed state alone.
func (s *MemoryStore) Get(ctx context.Context, identifier string) (*VerificationRecord, error) {
	shard := s.shardFor(identifier)
	shard.mu.Lock()
	rec, ok := shard.records[identifier]
	if !ok {
		shard.mu.Unlock()
		return nil, ErrNotFound
	}
	out := *rec
	shard.mu.Unlock()

	return &out, nil
}

// Delete removes the record for the identifier. Deleting a missing record
// is not an error.
func (s *MemoryStore) Delete(ctx context.Context, identifier string) error {
	shard := s.shardFor(identifier)
	shard.mu.Lock()
	delete(shard.records, identifier)
	shard.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.DeleteRecord(ctx, identifier); err != nil {
			util.Warn("Durable mirror delete failed",
				util.Identifier(identifier),
				util.ErrorField(err))
		}
	}

	return nil
}

// DeleteAttempt removes the record only if it still carries the given
// attempt ID, checked under the shard lock. A record superseded by a newer
// Put stays untouched.
func (s *MemoryStore) DeleteAttempt(ctx context.Context, identifier, attemptID string) error {
	shard := s.shardFor(identifier)
	shard.mu.Lock()
	rec, ok := shard.records[identifier]
	if !ok || rec.AttemptID != attemptID {
		shard.mu.Unlock()
		return nil
	}
	delete(shard.records, identifier)
	shard.mu.Unlock()

	s.mirrorDelete(ctx, identifier)
	return nil
}

// Verify runs the check-and-consume transition under the shard lock, so two
// concurrent calls with the correct code cannot both observe success. The
// mirror is updated after the lock is released.
func (s *MemoryStore) Verify(ctx context.Context, identifier, code string) (VerifyResult, error) {
	shard := s.shardFor(identifier)
	shard.mu.Lock()

	rec, ok := shard.records[identifier]
	if !ok {
		shard.mu.Unlock()
		return VerifyNotFound, nil
	}

	if rec.Consumed {
		shard.mu.Unlock()
		return VerifyAlreadyConsumed, nil
	}

	if s.now().After(rec.ExpiresAt) {
		delete(shard.records, identifier)
		shard.mu.Unlock()
		s.mirrorDelete(ctx, identifier)
		return VerifyExpired, nil
	}

	rec.Attempts++
	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		shard.mu.Unlock()
		return VerifyMismatch, nil
	}

	rec.Consumed = true
	snapshot := *rec
	shard.mu.Unlock()

	s.mirrorUpsert(ctx, &snapshot)
	return VerifySuccess, nil
}

// SweepExpired deletes every record past its expiry. Purely housekeeping;
// Verify already enforces expiry on its own.
func (s *MemoryStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	var expired []string

	for _, shard := range s.shards {
		shard.mu.Lock()
		for identifier, rec := range shard.records {
			if now.After(rec.ExpiresAt) {
				delete(shard.records, identifier)
				expired = append(expired, identifier)
			}
		}
		shard.mu.Unlock()
	}

	for _, identifier := range expired {
		s.mirrorDelete(ctx, identifier)
	}

	return len(expired), nil
}

func (s *MemoryStore) mirrorUpsert(ctx context.Context, rec *VerificationRecord) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.UpsertRecord(ctx, rec); err != nil {
		util.Warn("Durable mirror write failed",
			util.Identifier(rec.Identifier),
			util.ErrorField(err))
	}
}

func (s *MemoryStore) mirrorDelete(ctx context.Context, identifier string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.DeleteRecord(ctx, identifier); err != nil {
		util.Warn("Durable mirror delete failed",
			util.Identifier(identifier),
			util.ErrorField(err))
	}
}
