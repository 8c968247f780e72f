// Package audit records verification attempt outcomes for offline analysis.
// The sink is best-effort: audit failures are logged and never propagate
// into the verification path.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// Attempt is one audited verification event. Identifiers are digested
// before leaving the process.
type Attempt struct {
	IdentifierHash string
	Channel        string
	Operation      string
	Outcome        string
	OccurredAt     time.Time
}

// Sink writes attempts to ClickHouse via async inserts.
type Sink struct {
	conn driver.Conn
}

func NewSink(cfg *config.Config) (*Sink, error) {
	chConfig := cfg.Clickhouse

	conn, err := ch.Open(&ch.Options{
		Addr: []string{chConfig.URL},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:  10 * time.Second,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	util.Info("ClickHouse audit sink initialized",
		util.String("url", chConfig.URL),
		util.String("database", chConfig.Database))

	return &Sink{conn: conn}, nil
}

// HashIdentifier digests a phone number or email for audit rows.
func HashIdentifier(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// Record inserts one attempt row. Errors are returned for logging only;
// callers must treat them as non-fatal.
func (s *Sink) Record(ctx context.Context, attempt Attempt) error {
	err := s.conn.AsyncInsert(ctx, `
		INSERT INTO verification_attempts
			(identifier_hash, channel, operation, outcome, occurred_at)
		VALUES (?, ?, ?, ?, ?)`, false,
		attempt.IdentifierHash, attempt.Channel, attempt.Operation,
		attempt.Outcome, attempt.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	return nil
}

func (s *Sink) HealthCheck(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			util.Error("Failed to close ClickHouse connection", util.ErrorField(err))
			return err
		}
		util.Info("ClickHouse audit sink closed")
	}
	return nil
}
