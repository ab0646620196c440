package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Durable record of an issued API key. The plain key is never stored, only its fingerprint
type APIKey struct {
	ID            uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	KeyHash       string     `gorm:"uniqueIndex;not null" json:"-"`
	Name          string     `gorm:"not null" json:"name"`
	CreatedBy     string     `json:"created_by"`
	Tier          string     `gorm:"not null;index" json:"tier"`
	IsActive      bool       `gorm:"not null;index:idx_api_keys_sweep,priority:1" json:"is_active"`
	ExpiresAt     time.Time  `gorm:"not null;index:idx_api_keys_sweep,priority:2" json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (a *APIKey) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (APIKey) TableName() string {
	return "api_keys"
}

// Reports whether the key may be admitted at the given instant
func (a *APIKey) Usable(now time.Time) bool {
	return a.IsActive && a.ExpiresAt.After(now)
}

// Returns the hex sha256 of a plain API key
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
