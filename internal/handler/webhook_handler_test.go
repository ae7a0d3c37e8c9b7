package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc-service/internal/config"
	"kyc-service/internal/hashing"
	"kyc-service/internal/model"
	"kyc-service/internal/service"
	"kyc-service/internal/util"
)

const (
	webhookTestSecret  = "handler-test-secret"
	webhookTestAddr    = "0x4444444444444444444444444444444444444444"
	webhookSigHeader   = "X-Payload-Digest"
	webhookProviderURL = "/webhooks/provider"
)

// memStore is a minimal in-memory record store for exercising the full
// handler-to-reconciler path.
type memStore struct {
	mu      sync.Mutex
	records []*model.VerificationRecord
	getErr  error
}

func (s *memStore) Create(ctx context.Context, record *model.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.RecordID == uuid.Nil {
		record.RecordID = uuid.New()
	}
	s.records = append(s.records, record)
	return nil
}

func (s *memStore) GetByID(ctx context.Context, recordID uuid.UUID) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.RecordID == recordID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetLatestBySubject(ctx context.Context, subjectAddress string) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	var latest *model.VerificationRecord
	for _, r := range s.records {
		if r.SubjectAddress != subjectAddress {
			continue
		}
		if latest == nil || r.SubmittedAt.After(latest.SubmittedAt) {
			latest = r
		}
	}
	return latest, nil
}

func (s *memStore) GetPendingForDecision(ctx context.Context, subjectAddress, applicantID string) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.SubjectAddress == subjectAddress && r.Status == model.StatusPending {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetLatestByApplicant(ctx context.Context, subjectAddress, applicantID string) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.SubjectAddress == subjectAddress && r.ApplicantID == applicantID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memStore) MarkDecided(ctx context.Context, record *model.VerificationRecord) error {
	return nil
}

func (s *memStore) ListPending(ctx context.Context, limit int) ([]*model.VerificationRecord, error) {
	return nil, nil
}

func (s *memStore) FindBySubjectAndIdentityHash(ctx context.Context, identityHash string) (*model.VerificationRecord, error) {
	return nil, nil
}

func (s *memStore) HealthCheck(ctx context.Context) error { return nil }

type memApplicants struct {
	mu       sync.Mutex
	mappings map[string]*model.ApplicantMapping
}

func (s *memApplicants) Save(ctx context.Context, mapping *model.ApplicantMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[mapping.SubjectAddress] = mapping
	return nil
}

func (s *memApplicants) GetBySubject(ctx context.Context, subjectAddress string) (*model.ApplicantMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[subjectAddress], nil
}

func (s *memApplicants) GetByApplicantID(ctx context.Context, applicantID string) (*model.ApplicantMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.ApplicantID == applicantID {
			return m, nil
		}
	}
	return nil, nil
}

func (s *memApplicants) UpdateProviderStatus(ctx context.Context, subjectAddress, providerStatus string) error {
	return nil
}

type memAudit struct {
	mu       sync.Mutex
	webhooks int
}

func (a *memAudit) RecordWebhook(ctx context.Context, audit *model.WebhookAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.webhooks++
	return nil
}

func (a *memAudit) RecordDecision(ctx context.Context, audit *model.DecisionAudit) error {
	return nil
}

type memCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (c *memCache) TryReconcileLock(ctx context.Context, subjectAddress string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (c *memCache) ReleaseReconcileLock(ctx context.Context, subjectAddress string) error {
	return nil
}

func (c *memCache) MarkWebhookSeen(ctx context.Context, digest string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[digest] {
		return false, nil
	}
	c.seen[digest] = true
	return true, nil
}

func (c *memCache) ClearWebhookSeen(ctx context.Context, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, digest)
	return nil
}

func (c *memCache) AllowTokenIssue(ctx context.Context, subjectAddress string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

type memChain struct {
	mu     sync.Mutex
	writes int
}

func (c *memChain) IsApproved(ctx context.Context, subjectAddress string) (bool, error) {
	return false, nil
}

func (c *memChain) SetApproved(ctx context.Context, subjectAddress string, approved bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return "0xcafetx", nil
}

type memEvents struct{}

func (memEvents) PublishEvent(ctx context.Context, topic, subjectAddress string, event interface{}) error {
	return nil
}
func (memEvents) DecisionsTopic() string   { return "kyc.decisions" }
func (memEvents) SubmissionsTopic() string { return "kyc.submissions" }

type webhookTestEnv struct {
	router  chi.Router
	store   *memStore
	audit   *memAudit
	chain   *memChain
	applics *memApplicants
}

func newWebhookTestEnv(secret string) *webhookTestEnv {
	cfg := &config.Config{
		Hashing: config.HashingConfig{Pepper: "handler-test"},
		Webhook: config.WebhookConfig{Secret: secret, SignatureHeader: webhookSigHeader},
	}

	store := &memStore{}
	applics := &memApplicants{mappings: make(map[string]*model.ApplicantMapping)}
	audit := &memAudit{}
	chain := &memChain{}

	reconciler := service.NewReconciler(store, applics, chain, audit, &memCache{seen: make(map[string]bool)}, memEvents{})
	webhookService := service.NewWebhookService(
		applics,
		reconciler,
		audit,
		&memCache{seen: make(map[string]bool)},
		hashing.NewHasher(cfg),
		cfg,
	)

	router := chi.NewRouter()
	NewWebhookHandler(webhookService, util.Get()).RegisterRoutes(router)

	return &webhookTestEnv{router: router, store: store, audit: audit, chain: chain, applics: applics}
}

func (e *webhookTestEnv) deliver(t *testing.T, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, webhookProviderURL, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func greenReviewBody(externalUserID string) []byte {
	return []byte(fmt.Sprintf(
		`{"applicantId":"applicant-9","externalUserId":%q,"type":"applicantReviewed","reviewStatus":"completed","reviewResult":{"reviewAnswer":"GREEN"}}`,
		externalUserID))
}

func TestWebhookEndpointAcceptsSignedDelivery(t *testing.T) {
	env := newWebhookTestEnv(webhookTestSecret)
	env.store.records = append(env.store.records, &model.VerificationRecord{
		RecordID:       uuid.New(),
		SubjectAddress: webhookTestAddr,
		Method:         model.MethodAutomated,
		Status:         model.StatusPending,
		ApplicantID:    "applicant-9",
		SubmittedAt:    time.Now(),
	})

	body := greenReviewBody(webhookTestAddr)
	rec := env.deliver(t, body, map[string]string{
		webhookSigHeader: signWebhook(webhookTestSecret, body),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, 1, env.chain.writes)
}

func TestWebhookEndpointMissingHeaderIs400(t *testing.T) {
	env := newWebhookTestEnv(webhookTestSecret)

	rec := env.deliver(t, greenReviewBody(webhookTestAddr), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing signature header")
	assert.Equal(t, 1, env.audit.webhooks, "rejected deliveries are still audited")
}

func TestWebhookEndpointBadSignatureIs401(t *testing.T) {
	env := newWebhookTestEnv(webhookTestSecret)

	original := greenReviewBody(webhookTestAddr)
	signature := signWebhook(webhookTestSecret, original)

	// Body altered in flight, signature untouched.
	tampered := greenReviewBody("0x5555555555555555555555555555555555555555")
	rec := env.deliver(t, tampered, map[string]string{webhookSigHeader: signature})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.chain.writes)
}

func TestWebhookEndpointNonPostIs405(t *testing.T) {
	env := newWebhookTestEnv(webhookTestSecret)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, webhookProviderURL, nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "method %s", method)
	}
}

func TestWebhookEndpointNonTerminalEventIs200(t *testing.T) {
	env := newWebhookTestEnv(webhookTestSecret)

	body := []byte(fmt.Sprintf(
		`{"applicantId":"applicant-9","externalUserId":%q,"type":"applicantPending","reviewStatus":"pending"}`,
		webhookTestAddr))
	rec := env.deliver(t, body, map[string]string{
		webhookSigHeader: signWebhook(webhookTestSecret, body),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, env.chain.writes)
	assert.Equal(t, 1, env.audit.webhooks)
}

func TestWebhookEndpointMalformedPayloadIs400(t *testing.T) {
	env := newWebhookTestEnv(webhookTestSecret)

	body := []byte(`{"applicantId": not-json`)
	rec := env.deliver(t, body, map[string]string{
		webhookSigHeader: signWebhook(webhookTestSecret, body),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEndpointProcessingFailureIs500(t *testing.T) {
	env := newWebhookTestEnv(webhookTestSecret)

	// Terminal decision for an applicant nobody has ever mapped: the handler
	// must answer 500 so the provider redelivers later.
	body := greenReviewBody("")
	rec := env.deliver(t, body, map[string]string{
		webhookSigHeader: signWebhook(webhookTestSecret, body),
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, env.chain.writes)
}

func TestWebhookEndpointNoSecretTestMode(t *testing.T) {
	env := newWebhookTestEnv("")
	env.store.records = append(env.store.records, &model.VerificationRecord{
		RecordID:       uuid.New(),
		SubjectAddress: webhookTestAddr,
		Method:         model.MethodAutomated,
		Status:         model.StatusPending,
		ApplicantID:    "applicant-9",
		SubmittedAt:    time.Now(),
	})

	body := greenReviewBody(webhookTestAddr)
	rec := env.deliver(t, body, map[string]string{webhookSigHeader: "anything"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.chain.writes)

	require.NotEmpty(t, env.store.records)
	assert.Equal(t, model.StatusApproved, env.store.records[0].Status)
}
