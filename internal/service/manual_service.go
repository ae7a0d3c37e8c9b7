package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"kyc-service/internal/encryption"
	"kyc-service/internal/hashing"
	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

// maxDocumentSize caps manually uploaded documents at 5 MiB.
const maxDocumentSize = 5 << 20

// allowedDocumentTypes maps the accepted sniffed MIME types to the stored
// object extension. Declared content types are ignored; the bytes decide.
var allowedDocumentTypes = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"application/pdf": "pdf",
}

var pdfMagic = []byte("%PDF-")

// ManualSubmitRequest is the manual intake form. The document travels
// separately as a DocumentUpload.
type ManualSubmitRequest struct {
	SubjectAddress string `json:"subject_address" validate:"required"`
	FirstName      string `json:"first_name" validate:"required,min=1,max=100"`
	LastName       string `json:"last_name" validate:"required,min=1,max=100"`
	DateOfBirth    string `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	Nationality    string `json:"nationality" validate:"required,min=2,max=56"`
	DocumentType   string `json:"document_type" validate:"required,oneof=passport national_id driving_license"`
	DocumentNumber string `json:"document_number" validate:"required,min=3,max=64"`
}

// DocumentUpload is the raw uploaded identity document.
type DocumentUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ManualIntakeService accepts user-entered identity fields plus a document,
// stores the document, and creates a PENDING record awaiting admin review.
type ManualIntakeService struct {
	records       model.VerificationRepository
	status        *StatusService
	documents     DocumentStore
	encryptionMgr *encryption.EncryptionManager
	hasher        *hashing.Hasher
	reviewIndex   ReviewIndex
	events        EventPublisher
	validate      *validator.Validate
}

func NewManualIntakeService(
	records model.VerificationRepository,
	status *StatusService,
	documents DocumentStore,
	encryptionMgr *encryption.EncryptionManager,
	hasher *hashing.Hasher,
	reviewIndex ReviewIndex,
	events EventPublisher,
) *ManualIntakeService {
	return &ManualIntakeService{
		records:       records,
		status:        status,
		documents:     documents,
		encryptionMgr: encryptionMgr,
		hasher:        hasher,
		reviewIndex:   reviewIndex,
		events:        events,
		validate:      validator.New(),
	}
}

// SubmitManual runs the validation gate, stores the document, and creates the
// PENDING record. All validation happens before any network call; a 6 MiB
// file never touches storage.
func (s *ManualIntakeService) SubmitManual(ctx context.Context, req *ManualSubmitRequest, doc *DocumentUpload) (*model.VerificationRecord, error) {
	addr := util.NormalizeAddress(req.SubjectAddress)
	if !util.IsValidAddress(addr) {
		return nil, fmt.Errorf("%w: malformed subject address", ErrInvalidInput)
	}
	req.SubjectAddress = addr

	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	extension, err := validateDocument(doc)
	if err != nil {
		return nil, err
	}

	// Resubmission is allowed after rejection but not around an in-flight or
	// already-approved verification.
	current, err := s.status.Resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case model.StatusApproved:
		return nil, ErrAlreadyVerified
	case model.StatusPending:
		return nil, ErrAlreadySubmitted
	}

	identityHash := s.hasher.IdentityHash(req.DocumentNumber, req.Nationality)
	duplicateOf := s.findDuplicate(ctx, addr, identityHash)

	firstNameEnc, err := s.encryptionMgr.SealField(ctx, req.FirstName, "identity")
	if err != nil {
		return nil, fmt.Errorf("failed to protect identity fields: %w", err)
	}
	lastNameEnc, err := s.encryptionMgr.SealField(ctx, req.LastName, "identity")
	if err != nil {
		return nil, fmt.Errorf("failed to protect identity fields: %w", err)
	}
	dobEnc, err := s.encryptionMgr.SealField(ctx, req.DateOfBirth, "identity")
	if err != nil {
		return nil, fmt.Errorf("failed to protect identity fields: %w", err)
	}
	docNumberEnc, err := s.encryptionMgr.SealField(ctx, req.DocumentNumber, "identity")
	if err != nil {
		return nil, fmt.Errorf("failed to protect identity fields: %w", err)
	}

	objectKey := fmt.Sprintf("%s/%d.%s", addr, time.Now().UnixNano(), extension)
	storedKey, err := s.documents.Upload(ctx, objectKey, doc.ContentType, doc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: document upload failed: %v", ErrStorageUnavailable, err)
	}

	signedURL, err := s.documents.SignedURL(ctx, storedKey)
	if err != nil {
		// The uploaded object is orphaned here; acceptable, no compensating
		// delete. The caller must still see a failure.
		return nil, fmt.Errorf("%w: document URL signing failed: %v", ErrStorageUnavailable, err)
	}

	record := &model.VerificationRecord{
		SubjectAddress: addr,
		Method:         model.MethodManual,
		Status:         model.StatusPending,
		FirstNameEnc:   firstNameEnc,
		LastNameEnc:    lastNameEnc,
		DOBEnc:         dobEnc,
		DocNumberEnc:   docNumberEnc,
		Nationality:    req.Nationality,
		DocumentType:   req.DocumentType,
		DocumentURL:    signedURL,
		IdentityHash:   identityHash,
		DuplicateOf:    duplicateOf,
		SubmittedAt:    time.Now().UTC(),
	}

	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create verification record: %w", err)
	}

	s.indexForReview(ctx, record)
	s.publishSubmission(ctx, record)

	return record, nil
}

// findDuplicate flags a resubmitted physical document without blocking the
// submission. The reviewer sees the flag; the reviewer decides.
func (s *ManualIntakeService) findDuplicate(ctx context.Context, addr, identityHash string) string {
	earlier, err := s.records.FindBySubjectAndIdentityHash(ctx, identityHash)
	if err != nil {
		util.Warn("Duplicate-document lookup failed", zap.String("subject", addr), zap.Error(err))
		return ""
	}
	if earlier == nil || earlier.SubjectAddress == addr {
		return ""
	}

	util.Warn("Document already submitted under a different subject",
		zap.String("subject", addr),
		zap.String("earlier_subject", earlier.SubjectAddress),
		zap.String("earlier_record", earlier.RecordID.String()))

	return earlier.SubjectAddress
}

func (s *ManualIntakeService) indexForReview(ctx context.Context, record *model.VerificationRecord) {
	entry := map[string]interface{}{
		"record_id":       record.RecordID.String(),
		"subject_address": record.SubjectAddress,
		"method":          string(record.Method),
		"status":          string(record.Status),
		"nationality":     record.Nationality,
		"document_type":   record.DocumentType,
		"duplicate_of":    record.DuplicateOf,
		"submitted_at":    record.SubmittedAt,
	}
	if err := s.reviewIndex.IndexReview(context.WithoutCancel(ctx), record.RecordID.String(), entry); err != nil {
		util.Warn("Failed to index record for review",
			zap.String("record_id", record.RecordID.String()), zap.Error(err))
	}
}

func (s *ManualIntakeService) publishSubmission(ctx context.Context, record *model.VerificationRecord) {
	event := map[string]interface{}{
		"record_id":       record.RecordID.String(),
		"subject_address": record.SubjectAddress,
		"method":          string(record.Method),
		"submitted_at":    record.SubmittedAt,
	}
	if err := s.events.PublishEvent(context.WithoutCancel(ctx), s.events.SubmissionsTopic(), record.SubjectAddress, event); err != nil {
		util.Warn("Failed to publish submission event",
			zap.String("record_id", record.RecordID.String()), zap.Error(err))
	}
}

// validateDocument enforces the pre-network gate: size and sniffed type.
// Returns the extension the stored object should carry.
func validateDocument(doc *DocumentUpload) (string, error) {
	if doc == nil || len(doc.Data) == 0 {
		return "", fmt.Errorf("%w: identity document is required", ErrInvalidInput)
	}
	if len(doc.Data) > maxDocumentSize {
		return "", fmt.Errorf("%w: document exceeds the 5 MiB limit", ErrInvalidInput)
	}

	sniffed := http.DetectContentType(doc.Data)
	if bytes.HasPrefix(doc.Data, pdfMagic) {
		sniffed = "application/pdf"
	}

	extension, ok := allowedDocumentTypes[sniffed]
	if !ok {
		return "", fmt.Errorf("%w: document must be JPEG, PNG, or PDF", ErrInvalidInput)
	}

	doc.ContentType = sniffed
	return extension, nil
}
