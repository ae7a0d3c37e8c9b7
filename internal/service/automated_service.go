package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kyc-service/internal/client"
	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

const (
	tokenIssueLimit  = 10
	tokenIssueWindow = time.Hour

	decidedBySystemPoll = "system:poll"
)

// AutomatedCheckResult is what the bridging poll hands back: the provider's
// current answer mapped onto the lifecycle.
type AutomatedCheckResult struct {
	Status          model.Status              `json:"status"`
	RejectionReason string                    `json:"rejection_reason,omitempty"`
	Record          *model.VerificationRecord `json:"record,omitempty"`
}

// AutomatedService drives the provider-assisted intake path: applicant
// creation and reuse, widget access tokens, and the bridging poll that runs
// after the final widget step.
type AutomatedService struct {
	records    model.VerificationRepository
	applicants model.ApplicantRepository
	status     *StatusService
	provider   IdentityProvider
	reconciler *Reconciler
	cache      model.KYCCache
}

func NewAutomatedService(
	records model.VerificationRepository,
	applicants model.ApplicantRepository,
	status *StatusService,
	provider IdentityProvider,
	reconciler *Reconciler,
	cache model.KYCCache,
) *AutomatedService {
	return &AutomatedService{
		records:    records,
		applicants: applicants,
		status:     status,
		provider:   provider,
		reconciler: reconciler,
		cache:      cache,
	}
}

// EnsureApplicant returns the subject's provider applicant, creating one on
// first use. The applicant is created once per subject and reused across
// rejection retries; the mapping is persisted before anything else proceeds.
func (s *AutomatedService) EnsureApplicant(ctx context.Context, subjectAddress string) (*model.ApplicantMapping, error) {
	addr := util.NormalizeAddress(subjectAddress)
	if !util.IsValidAddress(addr) {
		return nil, fmt.Errorf("%w: malformed subject address", ErrInvalidInput)
	}

	current, err := s.status.Resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	if current.Status == model.StatusApproved {
		return nil, ErrAlreadyVerified
	}

	existing, err := s.applicants.GetBySubject(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up applicant: %w", err)
	}
	if existing != nil {
		util.Debug("Reusing existing applicant",
			zap.String("subject", addr),
			zap.String("applicant_id", existing.ApplicantID))
		return existing, nil
	}

	applicantID, err := s.provider.CreateApplicant(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: applicant creation failed: %v", ErrProviderUnavailable, err)
	}

	mapping := &model.ApplicantMapping{
		SubjectAddress: addr,
		ApplicantID:    applicantID,
		ProviderStatus: model.ApplicantStatusInit,
	}
	if err := s.applicants.Save(ctx, mapping); err != nil {
		return nil, fmt.Errorf("failed to persist applicant mapping: %w", err)
	}

	return mapping, nil
}

// IssueToken requests a fresh widget access token for the subject. Tokens
// expire independently of the applicant lifecycle, so every widget launch
// and relaunch gets a new one; issuance is throttled per subject.
func (s *AutomatedService) IssueToken(ctx context.Context, subjectAddress string) (*client.AccessToken, error) {
	addr := util.NormalizeAddress(subjectAddress)
	if !util.IsValidAddress(addr) {
		return nil, fmt.Errorf("%w: malformed subject address", ErrInvalidInput)
	}

	mapping, err := s.applicants.GetBySubject(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up applicant: %w", err)
	}
	if mapping == nil {
		return nil, fmt.Errorf("%w: no applicant for subject, create one first", ErrRecordNotFound)
	}

	allowed, err := s.cache.AllowTokenIssue(ctx, addr, tokenIssueLimit, tokenIssueWindow)
	if err != nil {
		util.Warn("Token throttle unavailable, allowing issuance",
			zap.String("subject", addr), zap.Error(err))
	} else if !allowed {
		return nil, ErrThrottled
	}

	token, err := s.provider.IssueAccessToken(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: token issuance failed: %v", ErrProviderUnavailable, err)
	}

	return token, nil
}

// CheckDecision is the bridging poll, triggered when the widget reports the
// final liveness step complete. The widget's client-side event is not
// authoritative; the provider is asked directly, first immediately and then
// on an interval until the overall timeout expires. A terminal answer goes
// through the reconciler; expiry surfaces ErrPollTimeout so the caller can
// offer a retry.
func (s *AutomatedService) CheckDecision(ctx context.Context, subjectAddress string) (*AutomatedCheckResult, error) {
	addr := util.NormalizeAddress(subjectAddress)
	if !util.IsValidAddress(addr) {
		return nil, fmt.Errorf("%w: malformed subject address", ErrInvalidInput)
	}

	mapping, err := s.applicants.GetBySubject(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up applicant: %w", err)
	}
	if mapping == nil {
		return nil, fmt.Errorf("%w: no applicant for subject", ErrRecordNotFound)
	}

	record, err := s.ensurePendingRecord(ctx, addr, mapping.ApplicantID)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.provider.PollTimeout())
	defer cancel()

	ticker := time.NewTicker(s.provider.PollInterval())
	defer ticker.Stop()

	for {
		result, terminal, err := s.checkOnce(pollCtx, addr, mapping.ApplicantID, record)
		if err != nil {
			return nil, err
		}
		if terminal {
			return result, nil
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			util.Info("Bridging poll expired without a terminal decision",
				zap.String("subject", addr),
				zap.String("applicant_id", mapping.ApplicantID))
			return nil, ErrPollTimeout
		}
	}
}

func (s *AutomatedService) checkOnce(ctx context.Context, addr, applicantID string, record *model.VerificationRecord) (*AutomatedCheckResult, bool, error) {
	decision, err := s.provider.FetchApplicantStatus(ctx, applicantID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: status fetch failed: %v", ErrProviderUnavailable, err)
	}

	status, reason := MapProviderDecision(decision.ReviewStatus, decision.ReviewResult)
	if !status.IsTerminal() {
		return nil, false, nil
	}

	outcome, err := s.reconciler.Reconcile(ctx, &ReconcileInput{
		SubjectAddress:  addr,
		ApplicantID:     applicantID,
		DecidedStatus:   status,
		RejectionReason: reason,
		ProviderPayload: string(decision.Raw),
		DecidedBy:       decidedBySystemPoll,
	})
	if err != nil {
		return nil, false, err
	}

	decided := record
	if outcome.Record != nil {
		decided = outcome.Record
	}

	return &AutomatedCheckResult{
		Status:          decided.Status,
		RejectionReason: decided.RejectionReason,
		Record:          decided,
	}, true, nil
}

// ensurePendingRecord guarantees a PENDING automated record exists for the
// decision to land on. Reuses the current one when the poll is re-entered.
func (s *AutomatedService) ensurePendingRecord(ctx context.Context, addr, applicantID string) (*model.VerificationRecord, error) {
	existing, err := s.records.GetPendingForDecision(ctx, addr, applicantID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending record: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	record := &model.VerificationRecord{
		SubjectAddress: addr,
		Method:         model.MethodAutomated,
		Status:         model.StatusPending,
		ApplicantID:    applicantID,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create verification record: %w", err)
	}
	return record, nil
}
