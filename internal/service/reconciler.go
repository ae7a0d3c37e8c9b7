package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

const (
	reconcileLockTTL = 30 * time.Second

	providerStatusCompleted = "completed"

	reviewAnswerApproved = "GREEN"
	reviewAnswerRejected = "RED"
)

// ReconcileInput carries a terminal decision into the reconciler. Both
// converging decision paths (bridging poll, webhook) and the admin review
// actions build one of these.
type ReconcileInput struct {
	SubjectAddress  string
	ApplicantID     string
	DecidedStatus   model.Status
	RejectionReason string
	ProviderPayload string
	DecidedBy       string
}

// ReconcileOutcome reports what the reconciler did. Applied is false when the
// record was already terminal and the call was a no-op.
type ReconcileOutcome struct {
	Record  *model.VerificationRecord
	Applied bool
	ChainTx string
}

// Reconciler applies terminal decisions: it writes the terminal transition to
// the record store and mirrors the outcome into the on-chain flag. It is the
// only component that moves a record out of PENDING.
type Reconciler struct {
	records    model.VerificationRepository
	applicants model.ApplicantRepository
	chain      ChainGateway
	audit      model.AuditRepository
	cache      model.KYCCache
	events     EventPublisher
}

func NewReconciler(
	records model.VerificationRepository,
	applicants model.ApplicantRepository,
	chain ChainGateway,
	audit model.AuditRepository,
	cache model.KYCCache,
	events EventPublisher,
) *Reconciler {
	return &Reconciler{
		records:    records,
		applicants: applicants,
		chain:      chain,
		audit:      audit,
		cache:      cache,
		events:     events,
	}
}

// Reconcile locates the current PENDING record for the subject and applies
// the decision. An already-terminal record is a no-op success: whichever of
// the poll and the webhook arrives first wins, the other must change nothing.
//
// The record write and the on-chain write are not transactionally linked. A
// chain failure after a successful record write is surfaced to the caller;
// recovery is operator-driven.
func (r *Reconciler) Reconcile(ctx context.Context, in *ReconcileInput) (*ReconcileOutcome, error) {
	if !in.DecidedStatus.IsTerminal() {
		return nil, fmt.Errorf("%w: decision must be terminal, got %q", ErrInvalidInput, in.DecidedStatus)
	}
	if in.DecidedStatus == model.StatusRejected && strings.TrimSpace(in.RejectionReason) == "" {
		return nil, ErrRejectionNeedsReason
	}

	addr := util.NormalizeAddress(in.SubjectAddress)
	if !util.IsValidAddress(addr) {
		return nil, fmt.Errorf("%w: malformed subject address", ErrInvalidInput)
	}

	// Best-effort guard against the poll and the webhook racing each other.
	// Losing the lock does not abort: the terminal-state check below is the
	// actual idempotency boundary.
	if acquired, err := r.cache.TryReconcileLock(ctx, addr, reconcileLockTTL); err != nil {
		util.Warn("Reconcile lock unavailable, continuing unguarded",
			zap.String("subject", addr), zap.Error(err))
	} else if acquired {
		defer func() {
			if err := r.cache.ReleaseReconcileLock(context.WithoutCancel(ctx), addr); err != nil {
				util.Warn("Failed to release reconcile lock", zap.String("subject", addr), zap.Error(err))
			}
		}()
	}

	record, err := r.records.GetPendingForDecision(ctx, addr, in.ApplicantID)
	if err != nil {
		return nil, fmt.Errorf("failed to locate pending record: %w", err)
	}
	if record == nil {
		terminal, err := r.findTerminalRecord(ctx, addr, in.ApplicantID)
		if err != nil {
			return nil, err
		}
		if terminal != nil {
			util.Info("Reconcile no-op, record already terminal",
				zap.String("subject", addr),
				zap.String("record_id", terminal.RecordID.String()),
				zap.String("status", string(terminal.Status)))
			return &ReconcileOutcome{Record: terminal, Applied: false}, nil
		}
		return nil, ErrRecordNotFound
	}

	return r.apply(ctx, record, in)
}

// findTerminalRecord locates an already-decided record the decision collapses
// onto. The applicant-id lookup matters when the subject has since started a
// newer attempt: a late redelivery for the decided automated record must stay
// a no-op even though the latest record is a pending manual one.
func (r *Reconciler) findTerminalRecord(ctx context.Context, addr, applicantID string) (*model.VerificationRecord, error) {
	if applicantID != "" {
		prior, err := r.records.GetLatestByApplicant(ctx, addr, applicantID)
		if err != nil {
			return nil, fmt.Errorf("failed to locate applicant record: %w", err)
		}
		if prior != nil && prior.Status.IsTerminal() {
			return prior, nil
		}
	}

	latest, err := r.records.GetLatestBySubject(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to locate record: %w", err)
	}
	if latest != nil && latest.Status.IsTerminal() {
		return latest, nil
	}
	return nil, nil
}

// ReconcileRecord applies a decision to a specific record, used by the admin
// review actions where the record is addressed by id rather than located by
// subject. Already-terminal records are no-op successes here too.
func (r *Reconciler) ReconcileRecord(ctx context.Context, record *model.VerificationRecord, in *ReconcileInput) (*ReconcileOutcome, error) {
	if !in.DecidedStatus.IsTerminal() {
		return nil, fmt.Errorf("%w: decision must be terminal, got %q", ErrInvalidInput, in.DecidedStatus)
	}
	if in.DecidedStatus == model.StatusRejected && strings.TrimSpace(in.RejectionReason) == "" {
		return nil, ErrRejectionNeedsReason
	}

	if record.Status.IsTerminal() {
		util.Info("Reconcile no-op, record already terminal",
			zap.String("record_id", record.RecordID.String()),
			zap.String("status", string(record.Status)))
		return &ReconcileOutcome{Record: record, Applied: false}, nil
	}

	in.SubjectAddress = record.SubjectAddress
	return r.apply(ctx, record, in)
}

func (r *Reconciler) apply(ctx context.Context, record *model.VerificationRecord, in *ReconcileInput) (*ReconcileOutcome, error) {
	now := time.Now().UTC()
	record.Status = in.DecidedStatus
	record.ReviewedAt = &now
	record.ReviewedBy = in.DecidedBy
	record.RejectionReason = in.RejectionReason
	if in.ProviderPayload != "" {
		record.ProviderPayload = in.ProviderPayload
	}

	if err := r.records.MarkDecided(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist decision: %w", err)
	}

	if record.ApplicantID != "" {
		if err := r.applicants.UpdateProviderStatus(ctx, record.SubjectAddress, providerStatusCompleted); err != nil {
			util.Warn("Failed to update applicant status",
				zap.String("subject", record.SubjectAddress), zap.Error(err))
		}
	}

	outcome := &ReconcileOutcome{Record: record, Applied: true}

	// The only place the automated path mutates the on-chain flag. Run it
	// after the record write so a chain failure leaves a decided record and
	// an operator-visible error, never a flag without a record.
	txHash, chainErr := r.chain.SetApproved(ctx, record.SubjectAddress, in.DecidedStatus == model.StatusApproved)
	outcome.ChainTx = txHash

	r.auditDecision(ctx, record, in, txHash, chainErr == nil)
	r.publishDecision(ctx, record, txHash)

	if chainErr != nil {
		util.Error("On-chain flag update failed after record decision",
			zap.String("subject", record.SubjectAddress),
			zap.String("record_id", record.RecordID.String()),
			zap.Error(chainErr))
		return outcome, fmt.Errorf("decision recorded but on-chain update failed: %w", chainErr)
	}

	util.Info("Decision reconciled",
		zap.String("subject", record.SubjectAddress),
		zap.String("record_id", record.RecordID.String()),
		zap.String("status", string(record.Status)),
		zap.String("tx", txHash))

	return outcome, nil
}

func (r *Reconciler) auditDecision(ctx context.Context, record *model.VerificationRecord, in *ReconcileInput, txHash string, chainOK bool) {
	audit := &model.DecisionAudit{
		DecidedAt:      time.Now().UTC(),
		RecordID:       record.RecordID,
		SubjectAddress: record.SubjectAddress,
		Method:         record.Method,
		Decision:       record.Status,
		Reason:         record.RejectionReason,
		ChainTx:        txHash,
		ChainOK:        chainOK,
	}
	if err := r.audit.RecordDecision(context.WithoutCancel(ctx), audit); err != nil {
		util.Warn("Failed to audit decision",
			zap.String("record_id", record.RecordID.String()), zap.Error(err))
	}
}

func (r *Reconciler) publishDecision(ctx context.Context, record *model.VerificationRecord, txHash string) {
	event := map[string]interface{}{
		"record_id":       record.RecordID.String(),
		"subject_address": record.SubjectAddress,
		"method":          string(record.Method),
		"status":          string(record.Status),
		"chain_tx":        txHash,
		"decided_at":      record.ReviewedAt,
	}
	if err := r.events.PublishEvent(context.WithoutCancel(ctx), r.events.DecisionsTopic(), record.SubjectAddress, event); err != nil {
		util.Warn("Failed to publish decision event",
			zap.String("record_id", record.RecordID.String()), zap.Error(err))
	}
}

// MapProviderDecision converts a provider review status and result into a
// lifecycle status. Anything not a completed GREEN/RED stays PENDING.
func MapProviderDecision(reviewStatus string, result *model.ReviewResult) (model.Status, string) {
	if !strings.EqualFold(reviewStatus, providerStatusCompleted) || result == nil {
		return model.StatusPending, ""
	}

	switch result.ReviewAnswer {
	case reviewAnswerApproved:
		return model.StatusApproved, ""
	case reviewAnswerRejected:
		reason := result.ModerationComment
		if reason == "" && len(result.RejectLabels) > 0 {
			reason = strings.Join(result.RejectLabels, ", ")
		}
		if reason == "" {
			reason = "verification rejected by provider"
		}
		return model.StatusRejected, reason
	default:
		return model.StatusPending, ""
	}
}
