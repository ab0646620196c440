package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var apiKeyColumns = []string{"id", "key_hash", "name", "created_by", "tier", "is_active", "expires_at", "created_at"}

func newMockPostgres(t *testing.T) (*storage.Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pg, err := storage.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	if err != nil {
		t.Fatalf("failed to open gorm: %v", err)
	}

	return pg, mock
}

func TestAPIKeyRepository_Lookup(t *testing.T) {
	pg, mock := newMockPostgres(t)
	repo := NewAPIKeyRepository(pg)

	id := uuid.New()
	expires := time.Unix(1_900_000_000, 0).UTC()
	created := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery(`SELECT \* FROM "api_keys" WHERE key_hash = \$1`).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns).
			AddRow(id.String(), "fp-1", "billing", "ops", "gold", false, expires, created))

	rec, err := repo.Lookup(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a record")
	}
	if rec.ID != id || rec.Tier != "gold" || rec.IsActive {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !rec.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, expires)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAPIKeyRepository_LookupNotFound(t *testing.T) {
	pg, mock := newMockPostgres(t)
	repo := NewAPIKeyRepository(pg)

	mock.ExpectQuery(`SELECT \* FROM "api_keys" WHERE key_hash = \$1`).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns))

	rec, err := repo.Lookup(context.Background(), "missing")
	if err != nil {
		t.Fatalf("not found must not be an error, got %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestAPIKeyRepository_LookupError(t *testing.T) {
	pg, mock := newMockPostgres(t)
	repo := NewAPIKeyRepository(pg)

	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT \* FROM "api_keys"`).WillReturnError(boom)

	if _, err := repo.Lookup(context.Background(), "fp"); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}

func TestAPIKeyRepository_Deactivate(t *testing.T) {
	pg, mock := newMockPostgres(t)
	repo := NewAPIKeyRepository(pg)

	mock.ExpectExec(`UPDATE "api_keys" SET .* WHERE key_hash = \$\d+ AND is_active = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "api_keys" SET .* WHERE key_hash = \$\d+ AND is_active = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.Deactivate(context.Background(), "fp-1")
	if err != nil || !changed {
		t.Fatalf("first Deactivate = (%v, %v), want (true, nil)", changed, err)
	}

	changed, err = repo.Deactivate(context.Background(), "fp-1")
	if err != nil || changed {
		t.Fatalf("second Deactivate = (%v, %v), want (false, nil)", changed, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAPIKeyRepository_ListExpiredActive(t *testing.T) {
	pg, mock := newMockPostgres(t)
	repo := NewAPIKeyRepository(pg)

	now := time.Unix(1_800_000_000, 0).UTC()
	created := now.Add(-48 * time.Hour)

	mock.ExpectQuery(`SELECT \* FROM "api_keys" WHERE is_active = \$1 AND expires_at < \$2 ORDER BY expires_at ASC LIMIT`).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns).
			AddRow(uuid.NewString(), "fp-a", "a", "", "bronze", true, now.Add(-time.Hour), created).
			AddRow(uuid.NewString(), "fp-b", "b", "", "silver", true, now.Add(-time.Minute), created))

	keys, err := repo.ListExpiredActive(context.Background(), now, 100)
	if err != nil {
		t.Fatalf("ListExpiredActive: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0].KeyHash != "fp-a" || keys[1].KeyHash != "fp-b" {
		t.Errorf("unexpected order: %s, %s", keys[0].KeyHash, keys[1].KeyHash)
	}
}

func TestAPIKeyRepository_TouchLastUsedEmpty(t *testing.T) {
	pg, mock := newMockPostgres(t)
	repo := NewAPIKeyRepository(pg)

	if err := repo.TouchLastUsed(context.Background(), nil, time.Now()); err != nil {
		t.Fatalf("TouchLastUsed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no statement expected: %v", err)
	}
}

func TestAPIKeyRepository_CountByTier(t *testing.T) {
	pg, mock := newMockPostgres(t)
	repo := NewAPIKeyRepository(pg)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "api_keys" WHERE tier = \$1 AND is_active = \$2`).
		WithArgs("gold", true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := repo.CountByTier(context.Background(), "gold")
	if err != nil {
		t.Fatalf("CountByTier: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 active gold keys, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
