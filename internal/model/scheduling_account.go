package model

import (
	"time"

	"gorm.io/gorm"
)

// SchedulingAccount is one scheduling-platform identity linked to exactly one
// user, keyed by its platform URI. It carries the scheduling OAuth token pair.
type SchedulingAccount struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	UserID       uint           `gorm:"uniqueIndex" json:"user_id"`
	URI          string         `gorm:"uniqueIndex" json:"uri"`
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	OrgURI       string         `json:"org_uri"`
	AccessToken  string         `json:"-"`
	RefreshToken string         `json:"-"`
	TokenExpiry  time.Time      `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// TokenExpired reports whether the stored scheduling access token is past its expiry.
func (a *SchedulingAccount) TokenExpired() bool {
	return time.Now().After(a.TokenExpiry)
}
