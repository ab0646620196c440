package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
)

const (
	KeyPrefix     = "gw_"
	DefaultKeyTTL = 365 * 24 * time.Hour
)

var (
	ErrNameRequired  = errors.New("name is required")
	ErrInvalidExpiry = errors.New("expiry must be in the future")
)

// Revokes a key durably and drops it from every cache
type Revoker interface {
	Revoke(ctx context.Context, rec models.APIKey) (bool, error)
}

type APIKeyService struct {
	store   repository.KeyStore
	catalog *tiers.Catalog
	revoker Revoker
	now     func() time.Time
}

func NewAPIKeyService(store repository.KeyStore, catalog *tiers.Catalog, revoker Revoker) *APIKeyService {
	return &APIKeyService{
		store:   store,
		catalog: catalog,
		revoker: revoker,
		now:     time.Now,
	}
}

type CreateKeyInput struct {
	Name      string
	CreatedBy string
	Tier      string
	// Either a lifetime from now or an absolute expiry. Neither means DefaultKeyTTL
	ExpiresIn time.Duration
	ExpiresAt *time.Time
}

// Issues a new key. The plain key is returned once and never stored
func (s *APIKeyService) Create(ctx context.Context, in CreateKeyInput) (string, *models.APIKey, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return "", nil, ErrNameRequired
	}

	if _, err := s.catalog.GetTier(in.Tier); err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(DefaultKeyTTL)
	switch {
	case in.ExpiresAt != nil:
		expiresAt = in.ExpiresAt.UTC()
	case in.ExpiresIn != 0:
		expiresAt = now.Add(in.ExpiresIn)
	}
	if !expiresAt.After(now) {
		return "", nil, ErrInvalidExpiry
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	key := KeyPrefix + base64.RawURLEncoding.EncodeToString(keyBytes)

	apiKey := &models.APIKey{
		KeyHash:   models.Fingerprint(key),
		Name:      in.Name,
		CreatedBy: in.CreatedBy,
		Tier:      in.Tier,
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}

	if err := s.store.Create(ctx, apiKey); err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	return key, apiKey, nil
}

func (s *APIKeyService) Get(ctx context.Context, id string) (*models.APIKey, error) {
	return s.store.FindByID(ctx, id)
}

// Number of active keys issued under tier
func (s *APIKeyService) CountByTier(ctx context.Context, tier string) (int64, error) {
	return s.store.CountByTier(ctx, tier)
}

func (s *APIKeyService) List(ctx context.Context) ([]models.APIKey, error) {
	return s.store.List(ctx)
}

// Deactivates the key with the given id. Returns nil when no such key exists
func (s *APIKeyService) Revoke(ctx context.Context, id string) (*models.APIKey, bool, error) {
	apiKey, err := s.store.FindByID(ctx, id)
	if err != nil || apiKey == nil {
		return nil, false, err
	}

	changed, err := s.revoker.Revoke(ctx, *apiKey)
	if err != nil {
		return nil, false, err
	}

	updated, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return updated, changed, nil
}
