package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc-service/internal/model"
	"kyc-service/internal/service"
	"kyc-service/internal/util"
)

const reviewerKey = "reviewer-test-key"

type kycTestEnv struct {
	router chi.Router
	store  *memStore
	chain  *memChain
}

func newKYCTestEnv() *kycTestEnv {
	store := &memStore{}
	chain := &memChain{}

	statusService := service.NewStatusService(chain, store)

	router := chi.NewRouter()
	handler := NewKYCHandler(statusService, nil, nil, nil, reviewerKey, util.Get())
	handler.RegisterRoutes(router)

	return &kycTestEnv{router: router, store: store, chain: chain}
}

func (e *kycTestEnv) post(t *testing.T, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpointResolvesSubject(t *testing.T) {
	env := newKYCTestEnv()
	env.store.records = append(env.store.records, &model.VerificationRecord{
		RecordID:       uuid.New(),
		SubjectAddress: webhookTestAddr,
		Method:         model.MethodManual,
		Status:         model.StatusPending,
		SubmittedAt:    time.Now(),
	})

	rec := env.post(t, "/kyc/status", `{"address":"`+webhookTestAddr+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(model.StatusPending), data["status"])
	assert.Equal(t, "record", data["source"])
}

func TestStatusEndpointUnknownSubjectDefaultsToNotSubmitted(t *testing.T) {
	env := newKYCTestEnv()

	rec := env.post(t, "/kyc/status", `{"address":"`+webhookTestAddr+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(model.StatusNotSubmitted), data["status"])
}

func TestStatusEndpointSurfacesDegradedStoreRead(t *testing.T) {
	env := newKYCTestEnv()
	env.store.getErr = assert.AnError

	rec := env.post(t, "/kyc/status", `{"address":"`+webhookTestAddr+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// The safe default is served, but the store failure rides along so the
	// caller can tell it apart from a genuine "never submitted".
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(model.StatusNotSubmitted), data["status"])
	assert.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Message, "degraded")
}

func TestStatusEndpointMalformedAddressIs400(t *testing.T) {
	env := newKYCTestEnv()

	rec := env.post(t, "/kyc/status", `{"address":"0x12"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestStatusEndpointInvalidJSONIs400(t *testing.T) {
	env := newKYCTestEnv()

	rec := env.post(t, "/kyc/status", `{"address":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewRoutesRequireReviewerKey(t *testing.T) {
	env := newKYCTestEnv()

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/kyc/review/pending"},
		{http.MethodGet, "/kyc/review/" + uuid.NewString()},
		{http.MethodPost, "/kyc/review/" + uuid.NewString() + "/approve"},
		{http.MethodPost, "/kyc/review/" + uuid.NewString() + "/reject"},
	}

	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s without key", p.method, p.path)

		req = httptest.NewRequest(p.method, p.path, strings.NewReader(`{}`))
		req.Header.Set("X-Reviewer-Key", "wrong-key")
		rec = httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s with wrong key", p.method, p.path)
	}
}

func TestErrorStatusCodeMapping(t *testing.T) {
	h := &KYCHandler{}

	tests := []struct {
		err  error
		code int
	}{
		{service.ErrRecordNotFound, http.StatusNotFound},
		{service.ErrInvalidInput, http.StatusBadRequest},
		{service.ErrRejectionNeedsReason, http.StatusBadRequest},
		{service.ErrAlreadySubmitted, http.StatusConflict},
		{service.ErrAlreadyVerified, http.StatusConflict},
		{service.ErrUnauthorized, http.StatusUnauthorized},
		{service.ErrThrottled, http.StatusTooManyRequests},
		{service.ErrPollTimeout, http.StatusGatewayTimeout},
		{service.ErrProviderUnavailable, http.StatusBadGateway},
		{service.ErrStorageUnavailable, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, h.getStatusCode(tt.err), "error %v", tt.err)
	}
}
