package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc-service/internal/config"
)

func newManager() *BucketingManager {
	return NewBucketingManager(&config.Config{
		Bucketing: config.BucketingConfig{SubjectBuckets: 64, EventBuckets: 16},
	})
}

func TestGetSubjectBucketIsStable(t *testing.T) {
	bm := newManager()

	addr := "0x1111111111111111111111111111111111111111"
	first := bm.GetSubjectBucket(addr)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, bm.GetSubjectBucket(addr))
	}
}

func TestGetSubjectBucketStaysInRange(t *testing.T) {
	bm := newManager()

	for i := 0; i < 1000; i++ {
		bucket := bm.GetSubjectBucket(fmt.Sprintf("0x%040x", i))
		assert.GreaterOrEqual(t, bucket, 0)
		assert.Less(t, bucket, bm.GetSubjectBuckets())
	}
}

func TestGetEventBucketStaysInRange(t *testing.T) {
	bm := newManager()

	for i := 0; i < 1000; i++ {
		bucket := bm.GetEventBucket(fmt.Sprintf("event-%d", i))
		assert.GreaterOrEqual(t, bucket, 0)
		assert.Less(t, bucket, bm.GetEventBuckets())
	}
}

func TestGetDateBucketFormat(t *testing.T) {
	bm := newManager()
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}$`, bm.GetDateBucket())
}
