package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// PreparedStatements holds the prepared statements the mirror actually uses
type PreparedStatements struct {
	UpsertRecord *gocql.Query
	DeleteRecord *gocql.Query
}

type ScyllaClient struct {
	Session  *gocql.Session
	config   *config.ScyllaConfig
	Prepared *PreparedStatements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}
	client.prepareStatements()

	util.Info("ScyllaDB client initialized",
		util.Any("hosts", scyllaConfig.Hosts),
		util.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() {
	s.Prepared = &PreparedStatements{
		UpsertRecord: s.Session.Query(`
			INSERT INTO verification_records (
				identifier, attempt_id, channel, destination, display_name,
				created_at, expires_at, consumed, attempts
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`),
		DeleteRecord: s.Session.Query(`
			DELETE FROM verification_records WHERE identifier = ?`),
	}
}

// ExecuteWithRetry retries transient failures before giving up.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = query.Exec(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}

func (s *ScyllaClient) HealthCheck() error {
	return s.Session.Query(`SELECT now() FROM system.local`).Exec()
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB session closed")
	}
}
