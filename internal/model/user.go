package model

import (
	"time"

	"gorm.io/gorm"
)

// User is an individual CRM user within a tenant, identified by the CRM's
// numeric user id. It carries the tenant's CRM OAuth token pair.
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	TenantID     uint           `gorm:"index;uniqueIndex:idx_users_tenant_crm_user" json:"tenant_id"`
	CRMUserID    int64          `gorm:"uniqueIndex:idx_users_tenant_crm_user" json:"crm_user_id"`
	Email        string         `gorm:"index" json:"email"`
	Name         string         `json:"name"`
	AccessToken  string         `json:"-"` // Never expose tokens in JSON responses
	RefreshToken string         `json:"-"`
	TokenExpiry  time.Time      `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// TokenExpired reports whether the stored CRM access token is past its expiry.
func (u *User) TokenExpired() bool {
	return time.Now().After(u.TokenExpiry)
}
