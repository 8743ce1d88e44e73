package model

import (
	"time"

	"gorm.io/gorm"
)

// Tenant pairs one CRM account with one scheduling-platform account.
// There is at most one active tenant per CRM domain; tenants are never
// hard-deleted, removal cascades through the soft-delete column.
type Tenant struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	CRMDomain        string         `gorm:"uniqueIndex" json:"crm_domain"`
	SchedulingOrgURI string         `json:"scheduling_org_uri"`
	RequiresReauth   bool           `gorm:"default:false" json:"requires_reauth"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	Users            []User         `gorm:"foreignKey:TenantID;constraint:OnDelete:CASCADE" json:"-"`
}
