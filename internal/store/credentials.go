package store

import (
	"context"
	"time"

	"calsync/internal/model"
	"calsync/internal/oauth"
	"calsync/prometheus"

	"gorm.io/gorm"
)

// CRMCredentialSource reads and writes the CRM token pair embedded in the
// users table, keyed by principal id.
type CRMCredentialSource struct {
	db *gorm.DB
}

// NewCRMCredentialSource wraps a database handle.
func NewCRMCredentialSource(db *gorm.DB) *CRMCredentialSource {
	return &CRMCredentialSource{db: db}
}

// Load implements oauth.CredentialSource.
func (s *CRMCredentialSource) Load(ctx context.Context, principalID uint) (oauth.Credentials, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", principalID).Error; err != nil {
		return oauth.Credentials{}, translate(err)
	}
	return oauth.Credentials{
		AccessToken:  user.AccessToken,
		RefreshToken: user.RefreshToken,
		ExpiresAt:    user.TokenExpiry,
	}, nil
}

// Save implements oauth.CredentialSource.
func (s *CRMCredentialSource) Save(ctx context.Context, principalID uint, creds oauth.Credentials) error {
	defer prometheus.TrackDBOperation("update")(time.Now())
	return s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", principalID).
		Updates(map[string]interface{}{
			"access_token":  creds.AccessToken,
			"refresh_token": creds.RefreshToken,
			"token_expiry":  creds.ExpiresAt,
		}).Error
}

// SchedulingCredentialSource reads and writes the scheduling token pair in
// the scheduling_accounts table, keyed by the owning principal id.
type SchedulingCredentialSource struct {
	db *gorm.DB
}

// NewSchedulingCredentialSource wraps a database handle.
func NewSchedulingCredentialSource(db *gorm.DB) *SchedulingCredentialSource {
	return &SchedulingCredentialSource{db: db}
}

// Load implements oauth.CredentialSource.
func (s *SchedulingCredentialSource) Load(ctx context.Context, principalID uint) (oauth.Credentials, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var account model.SchedulingAccount
	if err := s.db.WithContext(ctx).First(&account, "user_id = ?", principalID).Error; err != nil {
		return oauth.Credentials{}, translate(err)
	}
	return oauth.Credentials{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		ExpiresAt:    account.TokenExpiry,
	}, nil
}

// Save implements oauth.CredentialSource.
func (s *SchedulingCredentialSource) Save(ctx context.Context, principalID uint, creds oauth.Credentials) error {
	defer prometheus.TrackDBOperation("update")(time.Now())
	return s.db.WithContext(ctx).
		Model(&model.SchedulingAccount{}).
		Where("user_id = ?", principalID).
		Updates(map[string]interface{}{
			"access_token":  creds.AccessToken,
			"refresh_token": creds.RefreshToken,
			"token_expiry":  creds.ExpiresAt,
		}).Error
}
