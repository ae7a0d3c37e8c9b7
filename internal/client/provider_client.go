package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"kyc-service/internal/config"
	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

// ProviderClient talks to the identity-verification provider: applicant
// creation, status fetches, and SDK access-token issuance. Every request is
// signed with the shared secret over ts + method + path + body.
type ProviderClient struct {
	httpClient *http.Client
	config     *config.ProviderConfig
	logger     *zap.Logger
}

// ProviderDecision is the provider's current view of an applicant. Raw is the
// untouched response body, retained for audit.
type ProviderDecision struct {
	ReviewStatus string              `json:"reviewStatus"`
	ReviewResult *model.ReviewResult `json:"reviewResult,omitempty"`
	Raw          json.RawMessage     `json:"-"`
}

// AccessToken is a short-lived token scoped to one applicant, consumed by the
// embedded verification widget. It must be re-issued on every relaunch.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewProviderClient(cfg *config.Config, logger *zap.Logger) *ProviderClient {
	providerConfig := cfg.Provider

	util.Info("Provider client initialized",
		zap.String("base_url", providerConfig.BaseURL),
		zap.String("level", providerConfig.LevelName),
	)

	return &ProviderClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		config:     &providerConfig,
		logger:     logger,
	}
}

// CreateApplicant registers the subject with the provider and returns the
// provider's applicant id. An empty id in the response is an error.
func (p *ProviderClient) CreateApplicant(ctx context.Context, externalUserID string) (string, error) {
	body, err := json.Marshal(map[string]string{"externalUserId": externalUserID})
	if err != nil {
		return "", fmt.Errorf("failed to encode applicant request: %w", err)
	}

	path := "/resources/applicants?levelName=" + p.config.LevelName
	respBody, err := p.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("failed to decode applicant response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("provider returned no applicant id")
	}

	util.Info("Applicant created",
		zap.String("external_user_id", externalUserID),
		zap.String("applicant_id", created.ID),
	)

	return created.ID, nil
}

// FetchApplicantStatus reads the provider's current decision for an
// applicant. Used by the bridging poll after the final widget step.
func (p *ProviderClient) FetchApplicantStatus(ctx context.Context, applicantID string) (*ProviderDecision, error) {
	path := "/resources/applicants/" + applicantID + "/status"
	respBody, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	decision := &ProviderDecision{Raw: respBody}
	if err := json.Unmarshal(respBody, decision); err != nil {
		return nil, fmt.Errorf("failed to decode applicant status: %w", err)
	}
	return decision, nil
}

// IssueAccessToken requests a fresh widget token for the applicant's subject.
// Tokens expire independently of the applicant lifecycle and are never reused.
func (p *ProviderClient) IssueAccessToken(ctx context.Context, externalUserID string) (*AccessToken, error) {
	path := fmt.Sprintf("/resources/accessTokens?userId=%s&levelName=%s&ttlInSecs=%d",
		externalUserID, p.config.LevelName, p.config.TokenTTLSecs)
	respBody, err := p.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}

	var issued struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &issued); err != nil {
		return nil, fmt.Errorf("failed to decode access token response: %w", err)
	}
	if issued.Token == "" {
		return nil, fmt.Errorf("provider returned empty access token")
	}

	return &AccessToken{
		Token:     issued.Token,
		ExpiresAt: time.Now().UTC().Add(time.Duration(p.config.TokenTTLSecs) * time.Second),
	}, nil
}

// PollInterval and PollTimeout expose the bridging-poll tuning.
func (p *ProviderClient) PollInterval() time.Duration { return p.config.PollInterval }
func (p *ProviderClient) PollTimeout() time.Duration  { return p.config.PollTimeout }

func (p *ProviderClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Token", p.config.AppToken)
	req.Header.Set("X-App-Access-Ts", ts)
	req.Header.Set("X-App-Access-Sig", p.sign(ts, method, path, body))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		util.Warn("Provider request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("provider responded %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// sign computes the provider's request signature: hex HMAC-SHA256 of
// ts + method + path(+query) + body under the shared secret.
func (p *ProviderClient) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(p.config.SecretKey))
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
