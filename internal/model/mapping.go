package model

import (
	"time"

	"gorm.io/gorm"
)

// EventTypeMapping links (event type, transition kind) to a CRM activity type,
// scoped to a tenant. At most one active mapping may exist per triple; absence
// of a mapping means the tenant chose not to sync that transition.
type EventTypeMapping struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	TenantID       uint           `gorm:"index;uniqueIndex:idx_mappings_scope" json:"tenant_id"`
	EventTypeID    uint           `gorm:"uniqueIndex:idx_mappings_scope" json:"event_type_id"`
	TransitionKind string         `gorm:"uniqueIndex:idx_mappings_scope" json:"transition_kind"`
	ActivityTypeID uint           `json:"activity_type_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}
