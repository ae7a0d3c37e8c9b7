package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

// ApplicantRepository persists the subject <-> provider-applicant mapping.
// One applicant per subject for the life of the platform; rejection retries
// reuse the existing applicant.
type ApplicantRepository struct {
	client *ScyllaClient
}

func NewApplicantRepository(client *ScyllaClient, logger *zap.Logger) *ApplicantRepository {
	return &ApplicantRepository{client: client}
}

func (r *ApplicantRepository) Save(ctx context.Context, mapping *model.ApplicantMapping) error {
	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now
	if mapping.ProviderStatus == "" {
		mapping.ProviderStatus = model.ApplicantStatusInit
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.SaveApplicant.Statement(),
		mapping.SubjectAddress, mapping.ApplicantID, mapping.ProviderStatus,
		mapping.CreatedAt, mapping.UpdatedAt)

	batch.Query(r.client.Prepared.SaveSubjectApplicant.Statement(),
		mapping.ApplicantID, mapping.SubjectAddress)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save applicant mapping",
			zap.String("subject", mapping.SubjectAddress),
			zap.String("applicant_id", mapping.ApplicantID),
			zap.Error(err))
		return fmt.Errorf("failed to save applicant mapping: %w", err)
	}

	util.Info("Applicant mapping saved",
		zap.String("subject", mapping.SubjectAddress),
		zap.String("applicant_id", mapping.ApplicantID))

	return nil
}

func (r *ApplicantRepository) GetBySubject(ctx context.Context, subjectAddress string) (*model.ApplicantMapping, error) {
	mapping := &model.ApplicantMapping{}

	query := r.client.Prepared.GetApplicantBySubject.WithContext(ctx).Bind(subjectAddress)
	err := r.client.ScanWithRetry(query,
		&mapping.SubjectAddress, &mapping.ApplicantID, &mapping.ProviderStatus,
		&mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get applicant by subject: %w", err)
	}
	return mapping, nil
}

func (r *ApplicantRepository) GetByApplicantID(ctx context.Context, applicantID string) (*model.ApplicantMapping, error) {
	var subject string

	query := r.client.Prepared.GetSubjectByApplicant.WithContext(ctx).Bind(applicantID)
	if err := r.client.ScanWithRetry(query, &subject); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subject by applicant: %w", err)
	}

	return r.GetBySubject(ctx, subject)
}

func (r *ApplicantRepository) UpdateProviderStatus(ctx context.Context, subjectAddress, providerStatus string) error {
	query := r.client.Prepared.UpdateApplicantStatus.WithContext(ctx).Bind(
		providerStatus, time.Now().UTC(), subjectAddress)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update applicant status: %w", err)
	}
	return nil
}
