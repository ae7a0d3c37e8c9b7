package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kyc-service/internal/bucketing"
	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

// decisionScanDepth bounds how far back GetPendingForDecision walks a
// subject's history when matching a provider decision to a record.
const decisionScanDepth = 25

// VerificationRepository persists verification records. The main table
// clusters by submitted_at DESC, so the first row of a partition is always
// the subject's most recent attempt.
type VerificationRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewVerificationRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager, logger *zap.Logger) *VerificationRepository {
	// Using global util logger instead of individual logger
	return &VerificationRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

func (r *VerificationRepository) Create(ctx context.Context, record *model.VerificationRecord) error {
	if record.RecordID == uuid.Nil {
		record.RecordID = uuid.New()
	}
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = time.Now().UTC()
	}
	record.SubjectBucket = r.bucketing.GetSubjectBucket(record.SubjectAddress)

	var reviewedAt time.Time
	if record.ReviewedAt != nil {
		reviewedAt = *record.ReviewedAt
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateRecord.Statement(),
		record.SubjectBucket, record.SubjectAddress, record.SubmittedAt, record.RecordID.String(),
		string(record.Method), string(record.Status),
		record.FirstNameEnc, record.LastNameEnc, record.DOBEnc, record.DocNumberEnc,
		record.Nationality, record.DocumentType, record.DocumentURL,
		record.IdentityHash, record.DuplicateOf,
		record.ApplicantID, record.ProviderPayload, record.RejectionReason,
		reviewedAt, record.ReviewedBy)

	batch.Query(r.client.Prepared.CreateRecordByID.Statement(),
		record.RecordID.String(), record.SubjectBucket, record.SubjectAddress, record.SubmittedAt)

	if record.IdentityHash != "" {
		batch.Query(r.client.Prepared.CreateIdentityHash.Statement(),
			record.IdentityHash, record.SubjectAddress, record.RecordID.String(), record.SubmittedAt)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create verification record",
			zap.String("subject", record.SubjectAddress),
			zap.String("record_id", record.RecordID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create verification record: %w", err)
	}

	util.Info("Verification record created",
		zap.String("subject", record.SubjectAddress),
		zap.String("record_id", record.RecordID.String()),
		zap.String("method", string(record.Method)))

	return nil
}

func (r *VerificationRepository) GetByID(ctx context.Context, recordID uuid.UUID) (*model.VerificationRecord, error) {
	var bucket int
	var subject string
	var submittedAt time.Time

	pointer := r.client.Prepared.GetRecordPointer.WithContext(ctx).Bind(recordID.String())
	if err := r.client.ScanWithRetry(pointer, &bucket, &subject, &submittedAt); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve record pointer: %w", err)
	}

	query := r.client.Prepared.GetRecordByKey.WithContext(ctx).Bind(bucket, subject, submittedAt, recordID.String())
	record, err := scanRecord(query)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record by id: %w", err)
	}
	return record, nil
}

func (r *VerificationRepository) GetLatestBySubject(ctx context.Context, subjectAddress string) (*model.VerificationRecord, error) {
	bucket := r.bucketing.GetSubjectBucket(subjectAddress)

	query := r.client.Prepared.GetLatestBySubject.WithContext(ctx).Bind(bucket, subjectAddress)
	record, err := scanRecord(query)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get latest record",
			zap.String("subject", subjectAddress),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get latest record: %w", err)
	}
	return record, nil
}

func (r *VerificationRepository) GetPendingForDecision(ctx context.Context, subjectAddress, applicantID string) (*model.VerificationRecord, error) {
	bucket := r.bucketing.GetSubjectBucket(subjectAddress)

	iter := r.client.Prepared.GetRecentBySubject.WithContext(ctx).
		Bind(bucket, subjectAddress, decisionScanDepth).Iter()

	var byApplicant, byMethod *model.VerificationRecord
	for {
		record, ok := nextRecord(iter)
		if !ok {
			break
		}
		if record.Status != model.StatusPending {
			continue
		}
		if applicantID != "" && record.ApplicantID == applicantID && byApplicant == nil {
			byApplicant = record
		}
		if record.Method == model.MethodAutomated && byMethod == nil {
			byMethod = record
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan pending records: %w", err)
	}

	if byApplicant != nil {
		return byApplicant, nil
	}
	// Provider payloads occasionally omit the originating applicant id;
	// fall back to the subject's latest pending automated attempt.
	return byMethod, nil
}

func (r *VerificationRepository) GetLatestByApplicant(ctx context.Context, subjectAddress, applicantID string) (*model.VerificationRecord, error) {
	bucket := r.bucketing.GetSubjectBucket(subjectAddress)

	iter := r.client.Prepared.GetRecentBySubject.WithContext(ctx).
		Bind(bucket, subjectAddress, decisionScanDepth).Iter()

	var match *model.VerificationRecord
	for {
		record, ok := nextRecord(iter)
		if !ok {
			break
		}
		if record.ApplicantID == applicantID {
			match = record
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan applicant records: %w", err)
	}
	return match, nil
}

func (r *VerificationRepository) MarkDecided(ctx context.Context, record *model.VerificationRecord) error {
	if record.ReviewedAt == nil {
		now := time.Now().UTC()
		record.ReviewedAt = &now
	}

	query := r.client.Prepared.MarkDecided.WithContext(ctx).Bind(
		string(record.Status), *record.ReviewedAt, record.ReviewedBy,
		record.RejectionReason, record.ProviderPayload,
		record.SubjectBucket, record.SubjectAddress, record.SubmittedAt, record.RecordID.String())

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to mark record decided",
			zap.String("record_id", record.RecordID.String()),
			zap.String("status", string(record.Status)),
			zap.Error(err))
		return fmt.Errorf("failed to mark record decided: %w", err)
	}

	util.Info("Verification record decided",
		zap.String("record_id", record.RecordID.String()),
		zap.String("subject", record.SubjectAddress),
		zap.String("status", string(record.Status)))

	return nil
}

func (r *VerificationRepository) ListPending(ctx context.Context, limit int) ([]*model.VerificationRecord, error) {
	iter := r.client.Session.Query(`
        SELECT subject_bucket, subject_address, submitted_at, record_id, method, status,
            first_name_enc, last_name_enc, dob_enc, doc_number_enc,
            nationality, document_type, document_url, identity_hash, duplicate_of,
            applicant_id, provider_payload, rejection_reason, reviewed_at, reviewed_by
        FROM verification_records WHERE status = ? LIMIT ? ALLOW FILTERING`,
		string(model.StatusPending), limit).WithContext(ctx).Iter()

	var records []*model.VerificationRecord
	for {
		record, ok := nextRecord(iter)
		if !ok {
			break
		}
		records = append(records, record)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	return records, nil
}

func (r *VerificationRepository) FindBySubjectAndIdentityHash(ctx context.Context, identityHash string) (*model.VerificationRecord, error) {
	var subject, recordID string
	var submittedAt time.Time

	query := r.client.Prepared.GetByIdentityHash.WithContext(ctx).Bind(identityHash)
	if err := r.client.ScanWithRetry(query, &subject, &recordID, &submittedAt); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up identity hash: %w", err)
	}

	id, err := uuid.Parse(recordID)
	if err != nil {
		return nil, fmt.Errorf("corrupt record id in identity index: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *VerificationRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}

// scanRecord reads a single row from the full-column record queries.
func scanRecord(query *gocql.Query) (*model.VerificationRecord, error) {
	record := &model.VerificationRecord{}
	var recordID, method, status string
	var reviewedAt time.Time

	err := query.Scan(
		&record.SubjectBucket, &record.SubjectAddress, &record.SubmittedAt, &recordID,
		&method, &status,
		&record.FirstNameEnc, &record.LastNameEnc, &record.DOBEnc, &record.DocNumberEnc,
		&record.Nationality, &record.DocumentType, &record.DocumentURL,
		&record.IdentityHash, &record.DuplicateOf,
		&record.ApplicantID, &record.ProviderPayload, &record.RejectionReason,
		&reviewedAt, &record.ReviewedBy)
	if err != nil {
		return nil, err
	}

	return finishRecord(record, recordID, method, status, reviewedAt)
}

// nextRecord reads the next usable row from an iterator over the same column
// set. A corrupt row is logged and skipped; it must not end the iteration or
// every row behind it would silently disappear.
func nextRecord(iter *gocql.Iter) (*model.VerificationRecord, bool) {
	for {
		record := &model.VerificationRecord{}
		var recordID, method, status string
		var reviewedAt time.Time

		ok := iter.Scan(
			&record.SubjectBucket, &record.SubjectAddress, &record.SubmittedAt, &recordID,
			&method, &status,
			&record.FirstNameEnc, &record.LastNameEnc, &record.DOBEnc, &record.DocNumberEnc,
			&record.Nationality, &record.DocumentType, &record.DocumentURL,
			&record.IdentityHash, &record.DuplicateOf,
			&record.ApplicantID, &record.ProviderPayload, &record.RejectionReason,
			&reviewedAt, &record.ReviewedBy)
		if !ok {
			return nil, false
		}

		finished, err := finishRecord(record, recordID, method, status, reviewedAt)
		if err != nil {
			util.Warn("Skipping corrupt verification row", zap.Error(err))
			continue
		}
		return finished, true
	}
}

func finishRecord(record *model.VerificationRecord, recordID, method, status string, reviewedAt time.Time) (*model.VerificationRecord, error) {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return nil, fmt.Errorf("corrupt record id %q: %w", recordID, err)
	}
	record.RecordID = id
	record.Method = model.Method(method)
	record.Status = model.Status(status)
	if !reviewedAt.IsZero() {
		record.ReviewedAt = &reviewedAt
	}
	return record, nil
}
