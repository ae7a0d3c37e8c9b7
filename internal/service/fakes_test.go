package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"kyc-service/internal/client"
	"kyc-service/internal/config"
	"kyc-service/internal/encryption"
	"kyc-service/internal/hashing"
	"kyc-service/internal/model"
)

// Hand-written fakes for the collaborator and repository interfaces. They
// record calls so tests can assert on interaction counts, which is what most
// of the lifecycle properties are about.

type fakeRecordStore struct {
	mu      sync.Mutex
	records []*model.VerificationRecord

	createErr error
	getErr    error
	markErr   error

	createCalls int
	markCalls   int
}

func (s *fakeRecordStore) Create(ctx context.Context, record *model.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return s.createErr
	}
	if record.RecordID == uuid.Nil {
		record.RecordID = uuid.New()
	}
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = time.Now().UTC()
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeRecordStore) GetByID(ctx context.Context, recordID uuid.UUID) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	for _, r := range s.records {
		if r.RecordID == recordID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *fakeRecordStore) GetLatestBySubject(ctx context.Context, subjectAddress string) (*model.VerificationRecord, error) {
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

func (s *fakeRecordStore) GetPendingForDecision(ctx context.Context, subjectAddress, applicantID string) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	var byApplicant, byMethod *model.VerificationRecord
	for _, r := range s.records {
		if r.SubjectAddress != subjectAddress || r.Status != model.StatusPending {
			continue
		}
		if applicantID != "" && r.ApplicantID == applicantID {
			if byApplicant == nil || r.SubmittedAt.After(byApplicant.SubmittedAt) {
				byApplicant = r
			}
		}
		if r.Method == model.MethodAutomated {
			if byMethod == nil || r.SubmittedAt.After(byMethod.SubmittedAt) {
				byMethod = r
			}
		}
	}
	if byApplicant != nil {
		return byApplicant, nil
	}
	return byMethod, nil
}

func (s *fakeRecordStore) GetLatestByApplicant(ctx context.Context, subjectAddress, applicantID string) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	var match *model.VerificationRecord
	for _, r := range s.records {
		if r.SubjectAddress != subjectAddress || r.ApplicantID != applicantID {
			continue
		}
		if match == nil || r.SubmittedAt.After(match.SubmittedAt) {
			match = r
		}
	}
	return match, nil
}

func (s *fakeRecordStore) MarkDecided(ctx context.Context, record *model.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	if s.markErr != nil {
		return s.markErr
	}
	return nil
}

func (s *fakeRecordStore) ListPending(ctx context.Context, limit int) ([]*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*model.VerificationRecord
	for _, r := range s.records {
		if r.Status == model.StatusPending {
			pending = append(pending, r)
		}
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *fakeRecordStore) FindBySubjectAndIdentityHash(ctx context.Context, identityHash string) (*model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.IdentityHash == identityHash {
			return r, nil
		}
	}
	return nil, nil
}

func (s *fakeRecordStore) HealthCheck(ctx context.Context) error { return nil }

type fakeApplicantStore struct {
	mu       sync.Mutex
	mappings map[string]*model.ApplicantMapping
}

func newFakeApplicantStore() *fakeApplicantStore {
	return &fakeApplicantStore{mappings: make(map[string]*model.ApplicantMapping)}
}

func (s *fakeApplicantStore) Save(ctx context.Context, mapping *model.ApplicantMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[mapping.SubjectAddress] = mapping
	return nil
}

func (s *fakeApplicantStore) GetBySubject(ctx context.Context, subjectAddress string) (*model.ApplicantMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[subjectAddress], nil
}

func (s *fakeApplicantStore) GetByApplicantID(ctx context.Context, applicantID string) (*model.ApplicantMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.ApplicantID == applicantID {
			return m, nil
		}
	}
	return nil, nil
}

func (s *fakeApplicantStore) UpdateProviderStatus(ctx context.Context, subjectAddress, providerStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[subjectAddress]; ok {
		m.ProviderStatus = providerStatus
	}
	return nil
}

type chainWrite struct {
	subject  string
	approved bool
}

type fakeChain struct {
	mu       sync.Mutex
	approved map[string]bool
	writes   []chainWrite
	readErr  error
	writeErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{approved: make(map[string]bool)}
}

func (c *fakeChain) IsApproved(ctx context.Context, subjectAddress string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return false, c.readErr
	}
	return c.approved[subjectAddress], nil
}

func (c *fakeChain) SetApproved(ctx context.Context, subjectAddress string, approved bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return "", c.writeErr
	}
	c.writes = append(c.writes, chainWrite{subject: subjectAddress, approved: approved})
	c.approved[subjectAddress] = approved
	return "0xfeedtx", nil
}

type fakeProvider struct {
	mu           sync.Mutex
	applicantID  string
	createErr    error
	decisions    []*client.ProviderDecision
	fetchCalls   int
	createCalls  int
	tokensIssued int
	interval     time.Duration
	timeout      time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		applicantID: "applicant-1",
		interval:    time.Millisecond,
		timeout:     20 * time.Millisecond,
	}
}

func (p *fakeProvider) CreateApplicant(ctx context.Context, externalUserID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.createErr != nil {
		return "", p.createErr
	}
	return p.applicantID, nil
}

// FetchApplicantStatus pops decisions in order, repeating the last one.
func (p *fakeProvider) FetchApplicantStatus(ctx context.Context, applicantID string) (*client.ProviderDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if len(p.decisions) == 0 {
		return &client.ProviderDecision{ReviewStatus: "pending"}, nil
	}
	decision := p.decisions[0]
	if len(p.decisions) > 1 {
		p.decisions = p.decisions[1:]
	}
	return decision, nil
}

func (p *fakeProvider) IssueAccessToken(ctx context.Context, externalUserID string) (*client.AccessToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensIssued++
	return &client.AccessToken{
		Token:     "token-" + externalUserID,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}, nil
}

func (p *fakeProvider) PollInterval() time.Duration { return p.interval }
func (p *fakeProvider) PollTimeout() time.Duration  { return p.timeout }

type storedObject struct {
	key         string
	contentType string
	size        int
}

type fakeDocumentStore struct {
	mu      sync.Mutex
	uploads []storedObject
	calls   int

	uploadErr error
	signErr   error
}

func (d *fakeDocumentStore) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.uploadErr != nil {
		return "", d.uploadErr
	}
	d.uploads = append(d.uploads, storedObject{key: key, contentType: contentType, size: len(data)})
	return key, nil
}

func (d *fakeDocumentStore) SignedURL(ctx context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.signErr != nil {
		return "", d.signErr
	}
	return "https://documents.example/" + key + "?sig=abc", nil
}

func (d *fakeDocumentStore) networkCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeEvents struct {
	mu        sync.Mutex
	published []string // topic names in order
}

func (e *fakeEvents) PublishEvent(ctx context.Context, topic, subjectAddress string, event interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, topic)
	return nil
}

func (e *fakeEvents) DecisionsTopic() string   { return "kyc.decisions" }
func (e *fakeEvents) SubmissionsTopic() string { return "kyc.submissions" }

type fakeReviewIndex struct {
	mu      sync.Mutex
	indexed map[string]interface{}
}

func newFakeReviewIndex() *fakeReviewIndex {
	return &fakeReviewIndex{indexed: make(map[string]interface{})}
}

func (i *fakeReviewIndex) IndexReview(ctx context.Context, id string, document interface{}) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexed[id] = document
	return nil
}

func (i *fakeReviewIndex) SearchReviews(ctx context.Context, term string, size int) ([]map[string]interface{}, error) {
	return nil, nil
}

type fakeAudit struct {
	mu        sync.Mutex
	webhooks  []*model.WebhookAudit
	decisions []*model.DecisionAudit
}

func (a *fakeAudit) RecordWebhook(ctx context.Context, audit *model.WebhookAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.webhooks = append(a.webhooks, audit)
	return nil
}

func (a *fakeAudit) RecordDecision(ctx context.Context, audit *model.DecisionAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, audit)
	return nil
}

type fakeCache struct {
	mu          sync.Mutex
	seen        map[string]bool
	tokenCounts map[string]int
	lockErr     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		seen:        make(map[string]bool),
		tokenCounts: make(map[string]int),
	}
}

func (c *fakeCache) TryReconcileLock(ctx context.Context, subjectAddress string, ttl time.Duration) (bool, error) {
	if c.lockErr != nil {
		return false, c.lockErr
	}
	return true, nil
}

func (c *fakeCache) ReleaseReconcileLock(ctx context.Context, subjectAddress string) error {
	return nil
}

func (c *fakeCache) MarkWebhookSeen(ctx context.Context, digest string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[digest] {
		return false, nil
	}
	c.seen[digest] = true
	return true, nil
}

func (c *fakeCache) ClearWebhookSeen(ctx context.Context, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, digest)
	return nil
}

func (c *fakeCache) AllowTokenIssue(ctx context.Context, subjectAddress string, limit int, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCounts[subjectAddress]++
	return c.tokenCounts[subjectAddress] <= limit, nil
}

var errBoom = errors.New("boom")

const (
	testAddr      = "0x1111111111111111111111111111111111111111"
	testAddrOther = "0x2222222222222222222222222222222222222222"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{Pepper: "test-pepper"},
		Webhook: config.WebhookConfig{
			Secret:          "test-secret",
			SignatureHeader: "X-Payload-Digest",
		},
	}
}

func newTestHasher() *hashing.Hasher {
	return hashing.NewHasher(newTestConfig())
}

// newTestEncryption builds a manager with KMS disabled; keys stay local so
// seal and open round-trip without any AWS call.
func newTestEncryption() *encryption.EncryptionManager {
	return encryption.NewEncryptionManager(newTestConfig(), nil)
}

func pendingRecord(subject string, method model.Method, submittedAt time.Time) *model.VerificationRecord {
	return &model.VerificationRecord{
		RecordID:       uuid.New(),
		SubjectAddress: subject,
		Method:         method,
		Status:         model.StatusPending,
		SubmittedAt:    submittedAt,
	}
}
