package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kyc-service/internal/client"
	"kyc-service/internal/util"
)

const (
	reconcileLockPrefix = "kyc:reconcile:"
	webhookSeenPrefix   = "kyc:webhook:"
	tokenIssuePrefix    = "kyc:token:"
)

// KYCCache is best-effort coordination on Redis. A lost key never corrupts
// state; the terminal record in Scylla remains the idempotency source of
// truth.
type KYCCache struct {
	redis *client.RedisClient
}

func NewKYCCache(redisClient *client.RedisClient, logger *zap.Logger) *KYCCache {
	return &KYCCache{redis: redisClient}
}

// TryReconcileLock narrows the window where a bridging poll and a webhook
// carrying the same decision both walk the reconcile path.
func (c *KYCCache) TryReconcileLock(ctx context.Context, subjectAddress string, ttl time.Duration) (bool, error) {
	acquired, err := c.redis.SetNX(ctx, reconcileLockPrefix+subjectAddress, time.Now().Unix(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire reconcile lock: %w", err)
	}
	if !acquired {
		util.Debug("Reconcile lock contended", zap.String("subject", subjectAddress))
	}
	return acquired, nil
}

func (c *KYCCache) ReleaseReconcileLock(ctx context.Context, subjectAddress string) error {
	return c.redis.Del(ctx, reconcileLockPrefix+subjectAddress)
}

// MarkWebhookSeen remembers a payload digest. Returns false when the digest
// was already recorded inside the TTL window, meaning this delivery is a
// replay.
func (c *KYCCache) MarkWebhookSeen(ctx context.Context, digest string, ttl time.Duration) (bool, error) {
	first, err := c.redis.SetNX(ctx, webhookSeenPrefix+digest, 1, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook digest: %w", err)
	}
	return first, nil
}

// ClearWebhookSeen drops a recorded digest. Called when processing a delivery
// failed after the digest was recorded, so the provider's redelivery is not
// mistaken for a replay.
func (c *KYCCache) ClearWebhookSeen(ctx context.Context, digest string) error {
	return c.redis.Del(ctx, webhookSeenPrefix+digest)
}

// AllowTokenIssue caps provider access-token issuance per subject per window.
func (c *KYCCache) AllowTokenIssue(ctx context.Context, subjectAddress string, limit int, window time.Duration) (bool, error) {
	count, err := c.redis.IncrWithExpire(ctx, tokenIssuePrefix+subjectAddress, window)
	if err != nil {
		return false, fmt.Errorf("failed to count token issuance: %w", err)
	}
	if count > int64(limit) {
		util.Warn("Access token issuance throttled",
			zap.String("subject", subjectAddress),
			zap.Int64("count", count),
			zap.Int("limit", limit))
		return false, nil
	}
	return true, nil
}
