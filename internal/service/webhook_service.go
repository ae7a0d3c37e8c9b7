package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kyc-service/internal/config"
	"kyc-service/internal/hashing"
	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature header")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

const (
	webhookDedupTTL        = 24 * time.Hour
	decidedBySystemWebhook = "system:webhook"
)

// WebhookResult reports what a delivery did. Reconciled is false for
// non-terminal events, replays, and no-op deliveries; all of them still
// acknowledge with success.
type WebhookResult struct {
	Reconciled bool         `json:"reconciled"`
	Status     model.Status `json:"status,omitempty"`
}

// WebhookService authenticates provider callbacks and feeds terminal
// decisions into the reconciler. Every delivery is audited raw, whatever
// happens to it afterwards.
type WebhookService struct {
	applicants model.ApplicantRepository
	reconciler *Reconciler
	audit      model.AuditRepository
	cache      model.KYCCache
	hasher     *hashing.Hasher
	config     *config.WebhookConfig
}

func NewWebhookService(
	applicants model.ApplicantRepository,
	reconciler *Reconciler,
	audit model.AuditRepository,
	cache model.KYCCache,
	hasher *hashing.Hasher,
	cfg *config.Config,
) *WebhookService {
	if cfg.Webhook.Secret == "" {
		util.Warn("WEBHOOK SECRET NOT CONFIGURED: signature verification is disabled, test mode only")
	}

	return &WebhookService{
		applicants: applicants,
		reconciler: reconciler,
		audit:      audit,
		cache:      cache,
		hasher:     hasher,
		config:     &cfg.Webhook,
	}
}

// SignatureHeader names the request header carrying the provider's digest.
func (s *WebhookService) SignatureHeader() string {
	return s.config.SignatureHeader
}

// HandleDelivery processes one raw webhook delivery. Error mapping for the
// HTTP layer: ErrMissingSignature means 400, ErrBadSignature means 401,
// ErrInvalidInput means 400, anything else means 500 so the provider
// redelivers.
func (s *WebhookService) HandleDelivery(ctx context.Context, rawBody []byte, signature string) (*WebhookResult, error) {
	if signature == "" {
		s.auditDelivery(ctx, rawBody, nil, false)
		return nil, ErrMissingSignature
	}

	valid := s.verifySignature(rawBody, signature)

	payload := &model.WebhookPayload{}
	if err := json.Unmarshal(rawBody, payload); err != nil {
		s.auditDelivery(ctx, rawBody, nil, valid)
		if !valid {
			return nil, ErrBadSignature
		}
		return nil, fmt.Errorf("%w: malformed webhook payload", ErrInvalidInput)
	}

	s.auditDelivery(ctx, rawBody, payload, valid)

	if !valid {
		util.Warn("Rejected webhook with bad signature",
			zap.String("applicant_id", payload.ApplicantID),
			zap.String("type", payload.Type))
		return nil, ErrBadSignature
	}

	// Identical redeliveries short-circuit. Reconciliation is idempotent
	// anyway; this just skips the work.
	digest := s.hasher.PayloadDigest(rawBody)
	if first, err := s.cache.MarkWebhookSeen(ctx, digest, webhookDedupTTL); err != nil {
		util.Warn("Webhook dedup unavailable", zap.Error(err))
	} else if !first {
		util.Info("Duplicate webhook delivery ignored",
			zap.String("applicant_id", payload.ApplicantID))
		return &WebhookResult{Reconciled: false}, nil
	}

	status, reason := MapProviderDecision(payload.ReviewStatus, payload.ReviewResult)
	if !status.IsTerminal() {
		s.markApplicantStatus(ctx, payload)
		util.Info("Non-terminal webhook accepted",
			zap.String("applicant_id", payload.ApplicantID),
			zap.String("type", payload.Type),
			zap.String("review_status", payload.ReviewStatus))
		return &WebhookResult{Reconciled: false, Status: status}, nil
	}

	subject, err := s.resolveSubject(ctx, payload)
	if err != nil {
		s.forgetDelivery(ctx, digest)
		return nil, err
	}

	outcome, err := s.reconciler.Reconcile(ctx, &ReconcileInput{
		SubjectAddress:  subject,
		ApplicantID:     payload.ApplicantID,
		DecidedStatus:   status,
		RejectionReason: reason,
		ProviderPayload: string(rawBody),
		DecidedBy:       decidedBySystemWebhook,
	})
	if err != nil {
		// The handler answers 500 and the provider redelivers. The digest was
		// recorded above, so it must be forgotten here or the retry would be
		// acknowledged as a replay without ever reaching the reconciler.
		s.forgetDelivery(ctx, digest)
		return nil, err
	}

	return &WebhookResult{
		Reconciled: outcome.Applied,
		Status:     outcome.Record.Status,
	}, nil
}

func (s *WebhookService) forgetDelivery(ctx context.Context, digest string) {
	if err := s.cache.ClearWebhookSeen(context.WithoutCancel(ctx), digest); err != nil {
		util.Warn("Failed to clear webhook digest after processing error", zap.Error(err))
	}
}

// verifySignature computes the keyed hash over the exact raw body. With no
// secret configured, every delivery verifies; that mode exists for test
// deployments only and is logged loudly at startup.
func (s *WebhookService) verifySignature(rawBody []byte, signature string) bool {
	if s.config.Secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(s.config.Secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// resolveSubject maps a delivery to its wallet address: the external user id
// when present, otherwise the stored applicant mapping.
func (s *WebhookService) resolveSubject(ctx context.Context, payload *model.WebhookPayload) (string, error) {
	if addr := util.NormalizeAddress(payload.ExternalUserID); util.IsValidAddress(addr) {
		return addr, nil
	}

	if payload.ApplicantID != "" {
		mapping, err := s.applicants.GetByApplicantID(ctx, payload.ApplicantID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve webhook subject: %w", err)
		}
		if mapping != nil {
			return mapping.SubjectAddress, nil
		}
	}

	return "", fmt.Errorf("webhook names no known subject: applicant_id=%q external_user_id=%q",
		payload.ApplicantID, payload.ExternalUserID)
}

func (s *WebhookService) markApplicantStatus(ctx context.Context, payload *model.WebhookPayload) {
	if payload.ReviewStatus == "" {
		return
	}
	if addr := util.NormalizeAddress(payload.ExternalUserID); util.IsValidAddress(addr) {
		if err := s.applicants.UpdateProviderStatus(ctx, addr, payload.ReviewStatus); err != nil {
			util.Warn("Failed to update applicant status from webhook",
				zap.String("subject", addr), zap.Error(err))
		}
	}
}

func (s *WebhookService) auditDelivery(ctx context.Context, rawBody []byte, payload *model.WebhookPayload, signatureValid bool) {
	audit := &model.WebhookAudit{
		ReceivedAt:     time.Now().UTC(),
		SignatureValid: signatureValid,
		RawPayload:     string(rawBody),
	}
	if payload != nil {
		audit.ApplicantID = payload.ApplicantID
		audit.EventType = payload.Type
		audit.ReviewStatus = payload.ReviewStatus
		if payload.ReviewResult != nil {
			audit.ReviewResult = payload.ReviewResult.ReviewAnswer
		}
	}

	if err := s.audit.RecordWebhook(context.WithoutCancel(ctx), audit); err != nil {
		util.Warn("Failed to audit webhook delivery", zap.Error(err))
	}
}
