package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kyc-service/internal/encryption"
	"kyc-service/internal/model"
)

const defaultReviewLimit = 50

// ReviewDetail is a record with its identity fields opened for a reviewer.
type ReviewDetail struct {
	Record         *model.VerificationRecord `json:"record"`
	FirstName      string                    `json:"first_name"`
	LastName       string                    `json:"last_name"`
	DateOfBirth    string                    `json:"date_of_birth"`
	DocumentNumber string                    `json:"document_number"`
}

// ReviewService is the admin surface over pending manual submissions:
// listing, search, inspection, and the approve/reject actions that feed the
// reconciler.
type ReviewService struct {
	records       model.VerificationRepository
	reconciler    *Reconciler
	reviewIndex   ReviewIndex
	encryptionMgr *encryption.EncryptionManager
}

func NewReviewService(
	records model.VerificationRepository,
	reconciler *Reconciler,
	reviewIndex ReviewIndex,
	encryptionMgr *encryption.EncryptionManager,
) *ReviewService {
	return &ReviewService{
		records:       records,
		reconciler:    reconciler,
		reviewIndex:   reviewIndex,
		encryptionMgr: encryptionMgr,
	}
}

// ListPending returns records awaiting review. With a search term the review
// index answers; otherwise the record store is scanned directly.
func (s *ReviewService) ListPending(ctx context.Context, term string, limit int) (interface{}, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultReviewLimit
	}

	if strings.TrimSpace(term) != "" {
		results, err := s.reviewIndex.SearchReviews(ctx, term, limit)
		if err != nil {
			return nil, fmt.Errorf("review search failed: %w", err)
		}
		return results, nil
	}

	records, err := s.records.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	return records, nil
}

// Inspect opens a record's encrypted identity fields for a reviewer.
func (s *ReviewService) Inspect(ctx context.Context, recordID uuid.UUID) (*ReviewDetail, error) {
	record, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}

	detail := &ReviewDetail{Record: record}
	if detail.FirstName, err = s.encryptionMgr.OpenField(ctx, record.FirstNameEnc); err != nil {
		return nil, fmt.Errorf("failed to open identity fields: %w", err)
	}
	if detail.LastName, err = s.encryptionMgr.OpenField(ctx, record.LastNameEnc); err != nil {
		return nil, fmt.Errorf("failed to open identity fields: %w", err)
	}
	if detail.DateOfBirth, err = s.encryptionMgr.OpenField(ctx, record.DOBEnc); err != nil {
		return nil, fmt.Errorf("failed to open identity fields: %w", err)
	}
	if detail.DocumentNumber, err = s.encryptionMgr.OpenField(ctx, record.DocNumberEnc); err != nil {
		return nil, fmt.Errorf("failed to open identity fields: %w", err)
	}

	return detail, nil
}

// Approve applies an APPROVED decision to a record. Approving a record that
// is already terminal is a no-op success.
func (s *ReviewService) Approve(ctx context.Context, recordID uuid.UUID, reviewedBy string) (*ReconcileOutcome, error) {
	record, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}

	return s.reconciler.ReconcileRecord(ctx, record, &ReconcileInput{
		DecidedStatus: model.StatusApproved,
		DecidedBy:     reviewedBy,
	})
}

// Reject applies a REJECTED decision with its reason. A failed rejection
// surfaces the error so the reviewer can retry; it never half-applies.
func (s *ReviewService) Reject(ctx context.Context, recordID uuid.UUID, reviewedBy, reason string) (*ReconcileOutcome, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrRejectionNeedsReason
	}

	record, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}

	return s.reconciler.ReconcileRecord(ctx, record, &ReconcileInput{
		DecidedStatus:   model.StatusRejected,
		RejectionReason: reason,
		DecidedBy:       reviewedBy,
	})
}
