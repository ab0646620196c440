package models

import (
	"time"

	"github.com/google/uuid"
)

// One admission decision taken by the gateway
type DecisionLog struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time  `gorm:"index" json:"timestamp"`
	APIKeyID       *uuid.UUID `gorm:"type:uuid;index" json:"api_key_id,omitempty"`
	Tier           string     `json:"tier,omitempty"`
	Method         string     `json:"method"`
	Path           string     `gorm:"index" json:"path"`
	Allowed        bool       `gorm:"index" json:"allowed"`
	Reason         string     `json:"reason,omitempty"`
	RetryAfterSec  int        `json:"retry_after_sec,omitempty"`
	StatusCode     int        `json:"status_code"`
	ResponseTimeMs int        `json:"response_time_ms"`
	IPAddress      string     `json:"ip_address"`
}

func (DecisionLog) TableName() string {
	return "decision_logs"
}
