package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// PreparedStatements holds the statements the repositories actually execute.
//
// Schema:
//
//	CREATE TABLE otp_records (
//	    identifier text, purpose text, channel text,
//	    user_id text, user_role text, code_hash text,
//	    expires_at timestamp, consumed boolean, attempts int, created_at timestamp,
//	    PRIMARY KEY ((identifier, purpose, channel))
//	);
//	CREATE TABLE otp_records_by_user (
//	    user_id text, purpose text, identifier text, channel text, created_at timestamp,
//	    PRIMARY KEY ((user_id, purpose), identifier, channel)
//	);
//	CREATE TABLE accounts_by_email (email text PRIMARY KEY, user_id text, role text);
//	CREATE TABLE accounts_by_phone (phone text PRIMARY KEY, user_id text, role text);
type PreparedStatements struct {
	UpsertRecord      *gocql.Query
	UpsertUserIndex   *gocql.Query
	GetRecord         *gocql.Query
	MarkConsumed      *gocql.Query
	IncrementAttempts *gocql.Query
	ListByUser        *gocql.Query
	ConsumeRecord     *gocql.Query
	GetAccountByEmail *gocql.Query
	GetAccountByPhone *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
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

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	// A plain INSERT overwrites the single row of the partition, which is
	// exactly the atomic create-or-replace the record key demands.
	prepared.UpsertRecord = s.Session.Query(`
        INSERT INTO otp_records (
            identifier, purpose, channel, user_id, user_role, code_hash,
            expires_at, consumed, attempts, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`)

	prepared.UpsertUserIndex = s.Session.Query(`
        INSERT INTO otp_records_by_user (user_id, purpose, identifier, channel, created_at)
        VALUES (?, ?, ?, ?, ?) USING TTL ?`)

	prepared.GetRecord = s.Session.Query(`
        SELECT identifier, purpose, channel, user_id, user_role, code_hash,
            expires_at, consumed, attempts, created_at
        FROM otp_records WHERE identifier = ? AND purpose = ? AND channel = ?`)

	// Conditional writes: the IF clauses serialize concurrent verifiers on
	// the same record.
	prepared.MarkConsumed = s.Session.Query(`
        UPDATE otp_records SET consumed = true
        WHERE identifier = ? AND purpose = ? AND channel = ?
        IF consumed = false`)

	prepared.IncrementAttempts = s.Session.Query(`
        UPDATE otp_records SET attempts = ?
        WHERE identifier = ? AND purpose = ? AND channel = ?
        IF attempts = ? AND consumed = false`)

	prepared.ListByUser = s.Session.Query(`
        SELECT identifier, channel FROM otp_records_by_user
        WHERE user_id = ? AND purpose = ?`)

	prepared.ConsumeRecord = s.Session.Query(`
        UPDATE otp_records SET consumed = true
        WHERE identifier = ? AND purpose = ? AND channel = ?`)

	prepared.GetAccountByEmail = s.Session.Query(`
        SELECT user_id, role FROM accounts_by_email WHERE email = ?`)

	prepared.GetAccountByPhone = s.Session.Query(`
        SELECT user_id, role FROM accounts_by_phone WHERE phone = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
