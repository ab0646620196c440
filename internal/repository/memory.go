package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/google/uuid"
)

var ErrDuplicateKey = errors.New("api key already exists")

// In-memory KeyStore keyed by fingerprint. Records are copied in and out
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*models.APIKey
	now  func() time.Time
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		keys: make(map[string]*models.APIKey),
		now:  time.Now,
	}
}

func (s *MemoryKeyStore) Create(ctx context.Context, apiKey *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[apiKey.KeyHash]; exists {
		return ErrDuplicateKey
	}
	if apiKey.ID == uuid.Nil {
		apiKey.ID = uuid.New()
	}
	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = s.now().UTC()
	}

	stored := *apiKey
	s.keys[apiKey.KeyHash] = &stored
	return nil
}

func (s *MemoryKeyStore) Lookup(ctx context.Context, fingerprint string) (*models.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.keys[fingerprint]
	if !ok {
		return nil, nil
	}

	out := *stored
	return &out, nil
}

func (s *MemoryKeyStore) Deactivate(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.keys[fingerprint]
	if !ok || !stored.IsActive {
		return false, nil
	}

	at := s.now().UTC()
	stored.IsActive = false
	stored.DeactivatedAt = &at
	return true, nil
}

func (s *MemoryKeyStore) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.APIKey
	for _, k := range s.keys {
		if k.IsActive && k.ExpiresAt.Before(now) {
			out = append(out, *k)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryKeyStore) FindByID(ctx context.Context, id string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys {
		if k.ID.String() == id {
			out := *k
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryKeyStore) List(ctx context.Context) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *k)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryKeyStore) TouchLastUsed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if _, ok := want[k.ID]; ok {
			ts := at
			k.LastUsedAt = &ts
		}
	}
	return nil
}

func (s *MemoryKeyStore) CountByTier(ctx context.Context, tier string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, k := range s.keys {
		if k.IsActive && k.Tier == tier {
			n++
		}
	}
	return n, nil
}
