package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"kyc-service/internal/config"
)

// BucketingManager assigns subjects to partitions. Verification records are
// partitioned by (subject_bucket, subject_address), so the bucket count must
// stay stable for the life of the keyspace.
type BucketingManager struct {
	subjectBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
	config         *config.Config
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		subjectBuckets: cfg.Bucketing.SubjectBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
		config:         cfg,
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetSubjectBucket returns the consistent bucket for a wallet address
// (0 to subjectBuckets-1). Callers must pass the normalized address.
func (bm *BucketingManager) GetSubjectBucket(subjectAddress string) int {
	return bm.getBucket(subjectAddress, bm.subjectBuckets)
}

// GetEventBucket returns a bucket for event partitioning.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC date bucket for audit partitioning.
func (bm *BucketingManager) GetDateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetSubjectBuckets() int {
	return bm.subjectBuckets
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	hash := bm.getHash(key)
	return int(hash % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
