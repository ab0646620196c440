package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeRevoker struct {
	store repository.KeyStore
	calls int
}

func (r *storeRevoker) Revoke(ctx context.Context, rec models.APIKey) (bool, error) {
	r.calls++
	return r.store.Deactivate(ctx, rec.KeyHash)
}

func newTestAPIKeyService(t *testing.T) (*APIKeyService, *repository.MemoryKeyStore, *storeRevoker) {
	t.Helper()

	catalog, err := tiers.NewCatalog(tiers.DefaultTiers()...)
	require.NoError(t, err)

	store := repository.NewMemoryKeyStore()
	revoker := &storeRevoker{store: store}
	svc := NewAPIKeyService(store, catalog, revoker)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	return svc, store, revoker
}

func TestAPIKeyService_Create(t *testing.T) {
	svc, store, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	key, rec, err := svc.Create(ctx, CreateKeyInput{Name: " reporting ", CreatedBy: "ops", Tier: "silver", ExpiresIn: time.Hour})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, KeyPrefix))
	assert.Equal(t, models.Fingerprint(key), rec.KeyHash)
	assert.Equal(t, "reporting", rec.Name)
	assert.True(t, rec.IsActive)
	assert.Equal(t, svc.now().Add(time.Hour), rec.ExpiresAt)

	stored, err := store.Lookup(ctx, models.Fingerprint(key))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestAPIKeyService_CreateDefaultsAndExplicitExpiry(t *testing.T) {
	svc, _, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	_, rec, err := svc.Create(ctx, CreateKeyInput{Name: "a", Tier: "bronze"})
	require.NoError(t, err)
	assert.Equal(t, svc.now().Add(DefaultKeyTTL), rec.ExpiresAt)

	at := svc.now().Add(48 * time.Hour)
	_, rec, err = svc.Create(ctx, CreateKeyInput{Name: "b", Tier: "bronze", ExpiresAt: &at, ExpiresIn: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, at, rec.ExpiresAt, "an absolute expiry wins over a lifetime")
}

func TestAPIKeyService_CreateValidation(t *testing.T) {
	svc, _, _ := newTestAPIKeyService(t)
	ctx := context.Background()
	past := svc.now().Add(-time.Minute)

	tests := []struct {
		name    string
		in      CreateKeyInput
		wantErr error
	}{
		{"missing name", CreateKeyInput{Tier: "gold"}, ErrNameRequired},
		{"unknown tier", CreateKeyInput{Name: "a", Tier: "platinum"}, tiers.ErrUnknownTier},
		{"past expiry", CreateKeyInput{Name: "a", Tier: "gold", ExpiresAt: &past}, ErrInvalidExpiry},
		{"negative lifetime", CreateKeyInput{Name: "a", Tier: "gold", ExpiresIn: -time.Hour}, ErrInvalidExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Create(ctx, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAPIKeyService_Revoke(t *testing.T) {
	svc, _, revoker := newTestAPIKeyService(t)
	ctx := context.Background()

	_, rec, err := svc.Create(ctx, CreateKeyInput{Name: "a", Tier: "gold"})
	require.NoError(t, err)

	updated, changed, err := svc.Revoke(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, updated)
	assert.False(t, updated.IsActive)

	_, changed, err = svc.Revoke(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.False(t, changed)

	missing, _, err := svc.Revoke(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, 2, revoker.calls)
}
