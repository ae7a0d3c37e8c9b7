package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the verification status of a subject. NOT_SUBMITTED is derived
// (no record exists) and is never persisted.
type Status string

const (
	StatusNotSubmitted Status = "NOT_SUBMITTED"
	StatusPending      Status = "PENDING"
	StatusApproved     Status = "APPROVED"
	StatusRejected     Status = "REJECTED"
)

// IsTerminal reports whether the status can no longer change on this record.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Method is the intake path a record was created through.
type Method string

const (
	MethodManual    Method = "manual"
	MethodAutomated Method = "automated"
)

// -------------------- VERIFICATION RECORD --------------------

// VerificationRecord is one submitted verification attempt. A subject may
// accumulate several over time; only the most recently submitted one is
// considered current while the on-chain flag is unset.
type VerificationRecord struct {
	RecordID       uuid.UUID `json:"record_id" db:"record_id"`
	SubjectAddress string    `json:"subject_address" db:"subject_address"` // lowercase wallet address
	SubjectBucket  int       `json:"-" db:"subject_bucket"`
	Method         Method    `json:"method" db:"method"`
	Status         Status    `json:"status" db:"status"`

	// Envelope-encrypted identity fields (JSON-encoded encryption.EncryptedData).
	FirstNameEnc string `json:"-" db:"first_name_enc"`
	LastNameEnc  string `json:"-" db:"last_name_enc"`
	DOBEnc       string `json:"-" db:"dob_enc"`
	DocNumberEnc string `json:"-" db:"doc_number_enc"`

	Nationality  string `json:"nationality" db:"nationality"`
	DocumentType string `json:"document_type" db:"document_type"`
	DocumentURL  string `json:"document_url,omitempty" db:"document_url"` // signed URL, manual path only

	// IdentityHash is a deterministic peppered hash of the document number and
	// nationality, used to flag the same physical document resubmitted under a
	// different wallet. DuplicateOf carries the earlier subject when flagged.
	IdentityHash string `json:"-" db:"identity_hash"`
	DuplicateOf  string `json:"duplicate_of,omitempty" db:"duplicate_of"`

	ApplicantID     string `json:"applicant_id,omitempty" db:"applicant_id"` // automated path only
	ProviderPayload string `json:"-" db:"provider_payload"`                  // opaque, retained for audit

	RejectionReason string     `json:"rejection_reason,omitempty" db:"rejection_reason"`
	SubmittedAt     time.Time  `json:"submitted_at" db:"submitted_at"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ReviewedBy      string     `json:"reviewed_by,omitempty" db:"reviewed_by"`
}

// -------------------- APPLICANT MAPPING --------------------

// ApplicantMapping links a subject address to its provider applicant id. The
// applicant is created once and reused across rejection retries.
type ApplicantMapping struct {
	SubjectAddress string    `json:"subject_address" db:"subject_address"`
	ApplicantID    string    `json:"applicant_id" db:"applicant_id"`
	ProviderStatus string    `json:"provider_status" db:"provider_status"` // provider-local marker, "init" until first decision
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

const ApplicantStatusInit = "init"

// -------------------- WEBHOOK PAYLOAD --------------------

// ReviewResult is the provider's decision detail.
type ReviewResult struct {
	ReviewAnswer      string   `json:"reviewAnswer"` // GREEN | RED
	ModerationComment string   `json:"moderationComment,omitempty"`
	RejectLabels      []string `json:"rejectLabels,omitempty"`
}

// WebhookPayload is the provider's callback body, signed over the raw bytes.
type WebhookPayload struct {
	ApplicantID    string        `json:"applicantId"`
	ExternalUserID string        `json:"externalUserId"`
	Type           string        `json:"type"`
	ReviewStatus   string        `json:"reviewStatus"`
	ReviewResult   *ReviewResult `json:"reviewResult,omitempty"`
}

// -------------------- AUDIT ROWS --------------------

type WebhookAudit struct {
	ReceivedAt     time.Time
	ApplicantID    string
	EventType      string
	ReviewStatus   string
	ReviewResult   string
	SignatureValid bool
	RawPayload     string
}

type DecisionAudit struct {
	DecidedAt      time.Time
	RecordID       uuid.UUID
	SubjectAddress string
	Method         Method
	Decision       Status
	Reason         string
	ChainTx        string
	ChainOK        bool
}

// -------------------- REPOSITORY INTERFACES --------------------

// VerificationRepository defines persistence for verification records.
type VerificationRepository interface {
	Create(ctx context.Context, record *VerificationRecord) error
	GetByID(ctx context.Context, recordID uuid.UUID) (*VerificationRecord, error)
	// GetLatestBySubject returns the most recently submitted record for the
	// subject, or nil when the subject has never submitted.
	GetLatestBySubject(ctx context.Context, subjectAddress string) (*VerificationRecord, error)
	// GetPendingForDecision locates the record a terminal decision applies to:
	// the latest PENDING record matching applicantID, falling back to the
	// latest PENDING automated record for the subject when the id misses.
	GetPendingForDecision(ctx context.Context, subjectAddress, applicantID string) (*VerificationRecord, error)
	// GetLatestByApplicant returns the subject's most recent record carrying
	// the applicant id, whatever its status. Late provider redeliveries use it
	// to recognize an already-decided automated attempt even after the subject
	// has started a newer manual one.
	GetLatestByApplicant(ctx context.Context, subjectAddress, applicantID string) (*VerificationRecord, error)
	// MarkDecided writes the terminal transition. The record must currently be
	// PENDING; callers own the already-terminal no-op check.
	MarkDecided(ctx context.Context, record *VerificationRecord) error
	ListPending(ctx context.Context, limit int) ([]*VerificationRecord, error)
	FindBySubjectAndIdentityHash(ctx context.Context, identityHash string) (*VerificationRecord, error)
	HealthCheck(ctx context.Context) error
}

// ApplicantRepository defines persistence for subject <-> applicant mappings.
type ApplicantRepository interface {
	Save(ctx context.Context, mapping *ApplicantMapping) error
	GetBySubject(ctx context.Context, subjectAddress string) (*ApplicantMapping, error)
	GetByApplicantID(ctx context.Context, applicantID string) (*ApplicantMapping, error)
	UpdateProviderStatus(ctx context.Context, subjectAddress, providerStatus string) error
}

// AuditRepository records raw webhook deliveries and terminal decisions.
type AuditRepository interface {
	RecordWebhook(ctx context.Context, audit *WebhookAudit) error
	RecordDecision(ctx context.Context, audit *DecisionAudit) error
}

// -------------------- CACHE INTERFACES --------------------

// KYCCache provides best-effort coordination. Nothing here is a correctness
// dependency; the record's terminal state remains the idempotency source of
// truth.
type KYCCache interface {
	// TryReconcileLock acquires a short lock keyed by subject so a bridging
	// poll and a webhook landing together do not both walk the reconcile path.
	TryReconcileLock(ctx context.Context, subjectAddress string, ttl time.Duration) (bool, error)
	ReleaseReconcileLock(ctx context.Context, subjectAddress string) error
	// MarkWebhookSeen remembers a payload digest; returns false on replay.
	MarkWebhookSeen(ctx context.Context, digest string, ttl time.Duration) (bool, error)
	// ClearWebhookSeen forgets a digest so a failed delivery stays
	// redeliverable.
	ClearWebhookSeen(ctx context.Context, digest string) error
	// AllowTokenIssue rate-limits provider access-token issuance per subject.
	AllowTokenIssue(ctx context.Context, subjectAddress string, limit int, window time.Duration) (bool, error)
}
