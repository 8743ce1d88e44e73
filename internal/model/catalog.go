package model

import (
	"time"

	"gorm.io/gorm"
)

// EventType is a scheduling-platform event type synced into the local catalog
// when a tenant links their scheduling account. The platform URI is globally
// unique, so a webhook can be routed to its tenant through this table.
type EventType struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"index" json:"tenant_id"`
	URI       string         `gorm:"uniqueIndex" json:"uri"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ActivityType is a CRM activity type synced into the local catalog when a
// tenant connects their CRM account.
type ActivityType struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"index;uniqueIndex:idx_activity_types_tenant_remote" json:"tenant_id"`
	RemoteID  int64          `gorm:"uniqueIndex:idx_activity_types_tenant_remote" json:"remote_id"`
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
