package service

import (
	"context"
	"time"

	"kyc-service/internal/client"
)

// Collaborator interfaces over the concrete clients. Services depend on
// these, not on the clients themselves, so tests can substitute fakes.

// ChainGateway is the token contract surface this lifecycle depends on: the
// authoritative approval flag read and its single write operation.
type ChainGateway interface {
	IsApproved(ctx context.Context, subjectAddress string) (bool, error)
	SetApproved(ctx context.Context, subjectAddress string, approved bool) (string, error)
}

// IdentityProvider is the third-party verification service.
type IdentityProvider interface {
	CreateApplicant(ctx context.Context, externalUserID string) (string, error)
	FetchApplicantStatus(ctx context.Context, applicantID string) (*client.ProviderDecision, error)
	IssueAccessToken(ctx context.Context, externalUserID string) (*client.AccessToken, error)
	PollInterval() time.Duration
	PollTimeout() time.Duration
}

// DocumentStore holds manually uploaded documents and signs retrieval URLs.
type DocumentStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	SignedURL(ctx context.Context, key string) (string, error)
}

// EventPublisher emits lifecycle events for downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, subjectAddress string, event interface{}) error
	DecisionsTopic() string
	SubmissionsTopic() string
}

// ReviewIndex is the searchable admin review queue.
type ReviewIndex interface {
	IndexReview(ctx context.Context, id string, document interface{}) error
	SearchReviews(ctx context.Context, term string, size int) ([]map[string]interface{}, error)
}
