package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kyc-service/internal/service"
	"kyc-service/internal/util"
)

// maxUploadBytes bounds the whole multipart request: the 5 MiB document plus
// headroom for the form fields.
const maxUploadBytes = 6 << 20

// KYCHandler handles HTTP requests for the verification lifecycle
type KYCHandler struct {
	statusService    *service.StatusService
	manualService    *service.ManualIntakeService
	automatedService *service.AutomatedService
	reviewService    *service.ReviewService
	reviewerAPIKey   string
	logger           *zap.Logger
}

// NewKYCHandler creates a new KYC handler
func NewKYCHandler(
	statusService *service.StatusService,
	manualService *service.ManualIntakeService,
	automatedService *service.AutomatedService,
	reviewService *service.ReviewService,
	reviewerAPIKey string,
	logger *zap.Logger,
) *KYCHandler {
	return &KYCHandler{
		statusService:    statusService,
		manualService:    manualService,
		automatedService: automatedService,
		reviewService:    reviewService,
		reviewerAPIKey:   reviewerAPIKey,
		logger:           logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type subjectRequest struct {
	Address string `json:"address"`
}

// RegisterRoutes registers all KYC routes
func (h *KYCHandler) RegisterRoutes(router chi.Router) {
	router.Route("/kyc", func(r chi.Router) {
		r.Post("/status", h.ResolveStatus)
		r.Post("/manual", h.SubmitManual)

		r.Route("/automated", func(r chi.Router) {
			r.Post("/applicant", h.EnsureApplicant)
			r.Post("/token", h.IssueToken)
			r.Post("/check", h.CheckDecision)
		})

		// Reviewer routes require the reviewer API key
		r.Route("/review", func(r chi.Router) {
			r.Use(h.requireReviewer)
			r.Get("/pending", h.ListPending)
			r.Get("/{recordID}", h.InspectRecord)
			r.Post("/{recordID}/approve", h.ApproveRecord)
			r.Post("/{recordID}/reject", h.RejectRecord)
		})
	})
}

// requireReviewer authorizes review actions with the reviewer API key carried
// in the X-Reviewer-Key header. No session or role state is cached; every
// request re-verifies.
func (h *KYCHandler) requireReviewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.reviewerAPIKey == "" || r.Header.Get("X-Reviewer-Key") != h.reviewerAPIKey {
			h.respondWithError(w, http.StatusUnauthorized, service.ErrUnauthorized, "Reviewer authorization required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ResolveStatus returns the authoritative verification status for a subject
func (h *KYCHandler) ResolveStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.statusService.Resolve(ctx, req.Address)
	if err != nil {
		if result == nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Failed to resolve status")
			return
		}
		// The resolver degraded to the safe default. Serve it, but carry the
		// failure in the envelope so the caller can tell "never submitted"
		// from "record store unreachable".
		util.Warn("Status resolution degraded", zap.String("address", req.Address), zap.Error(err))
		h.respondWithJSON(w, http.StatusOK, Response{
			Success: true,
			Data:    result,
			Error:   err.Error(),
			Message: "Status degraded, record store unavailable",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Status resolved"))
}

// SubmitManual accepts the manual intake form: identity fields plus an
// uploaded document, multipart-encoded
func (h *KYCHandler) SubmitManual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid multipart form")
		return
	}

	req := &service.ManualSubmitRequest{
		SubjectAddress: r.FormValue("subject_address"),
		FirstName:      r.FormValue("first_name"),
		LastName:       r.FormValue("last_name"),
		DateOfBirth:    r.FormValue("date_of_birth"),
		Nationality:    r.FormValue("nationality"),
		DocumentType:   r.FormValue("document_type"),
		DocumentNumber: r.FormValue("document_number"),
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Identity document is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Failed to read document")
		return
	}

	doc := &service.DocumentUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}

	record, err := h.manualService.SubmitManual(ctx, req, doc)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to submit verification")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(record, "Verification submitted, pending review"))
	h.logger.Info("Manual verification submitted via HTTP",
		util.String("record_id", record.RecordID.String()),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SubmitManual"),
	)
}

// EnsureApplicant creates or reuses the provider applicant for a subject
func (h *KYCHandler) EnsureApplicant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	mapping, err := h.automatedService.EnsureApplicant(ctx, req.Address)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to prepare applicant")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(mapping, "Applicant ready"))
}

// IssueToken issues a fresh widget access token for a subject
func (h *KYCHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	token, err := h.automatedService.IssueToken(ctx, req.Address)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue access token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(token, "Access token issued"))
}

// CheckDecision runs the bridging poll after the final widget step
func (h *KYCHandler) CheckDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.automatedService.CheckDecision(ctx, req.Address)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification check failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Verification decided"))
	h.logger.Info("Bridging poll completed via HTTP",
		util.String("address", req.Address),
		util.String("status", string(result.Status)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "CheckDecision"),
	)
}

// ListPending returns the review queue, optionally filtered by search term
func (h *KYCHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	term := r.URL.Query().Get("q")

	results, err := h.reviewService.ListPending(ctx, term, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list pending reviews")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(results, "Pending reviews retrieved"))
}

// InspectRecord opens a record's identity fields for a reviewer
func (h *KYCHandler) InspectRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid record ID format")
		return
	}

	detail, err := h.reviewService.Inspect(ctx, recordID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to inspect record")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(detail, "Record retrieved"))
}

// ApproveRecord applies an APPROVED decision to a pending record
func (h *KYCHandler) ApproveRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid record ID format")
		return
	}

	outcome, err := h.reviewService.Approve(ctx, recordID, h.reviewerIdentity(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to approve record")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "Record approved"))
	h.logger.Info("Record approved via HTTP",
		util.String("record_id", recordID.String()),
		util.Bool("applied", outcome.Applied),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ApproveRecord"),
	)
}

// RejectRecord applies a REJECTED decision with its reason
func (h *KYCHandler) RejectRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid record ID format")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	outcome, err := h.reviewService.Reject(ctx, recordID, h.reviewerIdentity(r), req.Reason)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reject record")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "Record rejected"))
	h.logger.Info("Record rejected via HTTP",
		util.String("record_id", recordID.String()),
		util.Bool("applied", outcome.Applied),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RejectRecord"),
	)
}

// reviewerIdentity names the acting reviewer for the audit trail.
func (h *KYCHandler) reviewerIdentity(r *http.Request) string {
	if id := r.Header.Get("X-Reviewer-ID"); id != "" {
		return "admin:" + id
	}
	return "admin"
}

// respondWithJSON sends a JSON response
func (h *KYCHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *KYCHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *KYCHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrRejectionNeedsReason):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadySubmitted), errors.Is(err, service.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrPollTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrProviderUnavailable), errors.Is(err, service.ErrStorageUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
