package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc-service/internal/config"
)

func newLocalManager() *EncryptionManager {
	return NewEncryptionManager(&config.Config{}, nil)
}

func TestSealOpenRoundTrip(t *testing.T) {
	em := newLocalManager()
	ctx := context.Background()

	sealed, err := em.SealField(ctx, "P1234567", "identity")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "P1234567")

	opened, err := em.OpenField(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "P1234567", opened)
}

func TestSealFieldEmptyStoresEmpty(t *testing.T) {
	em := newLocalManager()

	sealed, err := em.SealField(context.Background(), "", "identity")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := em.OpenField(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestOpenFieldAcrossManagerInstances(t *testing.T) {
	ctx := context.Background()

	sealed, err := newLocalManager().SealField(ctx, "Ada", "identity")
	require.NoError(t, err)

	// The envelope carries everything needed; a fresh manager with a cold
	// key cache must still open it.
	opened, err := newLocalManager().OpenField(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "Ada", opened)
}

func TestSealFieldProducesUniqueCiphertexts(t *testing.T) {
	em := newLocalManager()
	ctx := context.Background()

	first, err := em.SealField(ctx, "Ada", "identity")
	require.NoError(t, err)
	second, err := em.SealField(ctx, "Ada", "identity")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestOpenFieldRejectsGarbage(t *testing.T) {
	em := newLocalManager()

	_, err := em.OpenField(context.Background(), "not an envelope")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
