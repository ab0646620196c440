package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/google/uuid"
)

// KeyStore is the durable source of truth for API key records. Lookups of
// unknown fingerprints return nil, nil.
type KeyStore interface {
	Lookup(ctx context.Context, fingerprint string) (*models.APIKey, error)
	Deactivate(ctx context.Context, fingerprint string) (bool, error)
	Create(ctx context.Context, apiKey *models.APIKey) error
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.APIKey, error)
	FindByID(ctx context.Context, id string) (*models.APIKey, error)
	List(ctx context.Context) ([]models.APIKey, error)
	TouchLastUsed(ctx context.Context, ids []uuid.UUID, at time.Time) error
	// Active keys only
	CountByTier(ctx context.Context, tier string) (int64, error)
}

var (
	_ KeyStore = (*APIKeyRepository)(nil)
	_ KeyStore = (*MemoryKeyStore)(nil)
)
