package clickhouse

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kyc-service/internal/client"
	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

// AuditRepository appends webhook deliveries and terminal decisions to
// ClickHouse. Rows are written for every delivery, including rejected
// signatures and ignored non-terminal events.
type AuditRepository struct {
	clickhouse *client.ClickHouseClient
}

func NewAuditRepository(chClient *client.ClickHouseClient, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{clickhouse: chClient}
}

func (r *AuditRepository) RecordWebhook(ctx context.Context, audit *model.WebhookAudit) error {
	err := r.clickhouse.Exec(ctx, `
        INSERT INTO kyc_webhook_audit
            (received_at, applicant_id, event_type, review_status, review_result, signature_valid, raw_payload)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		audit.ReceivedAt, audit.ApplicantID, audit.EventType,
		audit.ReviewStatus, audit.ReviewResult, audit.SignatureValid, audit.RawPayload)
	if err != nil {
		util.Error("Failed to record webhook audit",
			zap.String("applicant_id", audit.ApplicantID),
			zap.Error(err))
		return fmt.Errorf("failed to record webhook audit: %w", err)
	}
	return nil
}

func (r *AuditRepository) RecordDecision(ctx context.Context, audit *model.DecisionAudit) error {
	err := r.clickhouse.Exec(ctx, `
        INSERT INTO kyc_decision_audit
            (decided_at, record_id, subject_address, method, decision, reason, chain_tx, chain_ok)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.DecidedAt, audit.RecordID.String(), audit.SubjectAddress,
		string(audit.Method), string(audit.Decision), audit.Reason,
		audit.ChainTx, audit.ChainOK)
	if err != nil {
		util.Error("Failed to record decision audit",
			zap.String("record_id", audit.RecordID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to record decision audit: %w", err)
	}
	return nil
}
