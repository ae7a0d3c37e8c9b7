package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"kyc-service/internal/config"
	"kyc-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateRecord       *gocql.Query
	CreateRecordByID   *gocql.Query
	CreateIdentityHash *gocql.Query
	GetLatestBySubject *gocql.Query
	GetRecentBySubject *gocql.Query
	GetRecordPointer   *gocql.Query
	GetRecordByKey     *gocql.Query
	GetByIdentityHash  *gocql.Query
	MarkDecided        *gocql.Query

	SaveApplicant        *gocql.Query
	SaveSubjectApplicant *gocql.Query
	GetApplicantBySubject *gocql.Query
	GetSubjectByApplicant *gocql.Query
	UpdateApplicantStatus *gocql.Query
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
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
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

	prepared.CreateRecord = s.Session.Query(`
    INSERT INTO verification_records (
        subject_bucket, subject_address, submitted_at, record_id, method, status,
        first_name_enc, last_name_enc, dob_enc, doc_number_enc,
        nationality, document_type, document_url, identity_hash, duplicate_of,
        applicant_id, provider_payload, rejection_reason, reviewed_at, reviewed_by
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateRecordByID = s.Session.Query(`
        INSERT INTO verification_by_id (record_id, subject_bucket, subject_address, submitted_at)
        VALUES (?, ?, ?, ?)`)

	prepared.CreateIdentityHash = s.Session.Query(`
        INSERT INTO identity_by_hash (identity_hash, subject_address, record_id, submitted_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetLatestBySubject = s.Session.Query(`
        SELECT subject_bucket, subject_address, submitted_at, record_id, method, status,
            first_name_enc, last_name_enc, dob_enc, doc_number_enc,
            nationality, document_type, document_url, identity_hash, duplicate_of,
            applicant_id, provider_payload, rejection_reason, reviewed_at, reviewed_by
        FROM verification_records WHERE subject_bucket = ? AND subject_address = ? LIMIT 1`)

	prepared.GetRecentBySubject = s.Session.Query(`
        SELECT subject_bucket, subject_address, submitted_at, record_id, method, status,
            first_name_enc, last_name_enc, dob_enc, doc_number_enc,
            nationality, document_type, document_url, identity_hash, duplicate_of,
            applicant_id, provider_payload, rejection_reason, reviewed_at, reviewed_by
        FROM verification_records WHERE subject_bucket = ? AND subject_address = ? LIMIT ?`)

	prepared.GetRecordPointer = s.Session.Query(`
        SELECT subject_bucket, subject_address, submitted_at FROM verification_by_id WHERE record_id = ?`)

	prepared.GetRecordByKey = s.Session.Query(`
        SELECT subject_bucket, subject_address, submitted_at, record_id, method, status,
            first_name_enc, last_name_enc, dob_enc, doc_number_enc,
            nationality, document_type, document_url, identity_hash, duplicate_of,
            applicant_id, provider_payload, rejection_reason, reviewed_at, reviewed_by
        FROM verification_records
        WHERE subject_bucket = ? AND subject_address = ? AND submitted_at = ? AND record_id = ?`)

	prepared.GetByIdentityHash = s.Session.Query(`
        SELECT subject_address, record_id, submitted_at FROM identity_by_hash WHERE identity_hash = ? LIMIT 1`)

	prepared.MarkDecided = s.Session.Query(`
        UPDATE verification_records
        SET status = ?, reviewed_at = ?, reviewed_by = ?, rejection_reason = ?, provider_payload = ?
        WHERE subject_bucket = ? AND subject_address = ? AND submitted_at = ? AND record_id = ?`)

	prepared.SaveApplicant = s.Session.Query(`
        INSERT INTO applicant_by_subject (subject_address, applicant_id, provider_status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`)

	prepared.SaveSubjectApplicant = s.Session.Query(`
        INSERT INTO subject_by_applicant (applicant_id, subject_address)
        VALUES (?, ?)`)

	prepared.GetApplicantBySubject = s.Session.Query(`
        SELECT subject_address, applicant_id, provider_status, created_at, updated_at
        FROM applicant_by_subject WHERE subject_address = ?`)

	prepared.GetSubjectByApplicant = s.Session.Query(`
        SELECT subject_address FROM subject_by_applicant WHERE applicant_id = ?`)

	prepared.UpdateApplicantStatus = s.Session.Query(`
        UPDATE applicant_by_subject SET provider_status = ?, updated_at = ?
        WHERE subject_address = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
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

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
