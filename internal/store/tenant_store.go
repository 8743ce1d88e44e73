package store

import (
	"context"
	"errors"
	"time"

	"calsync/internal/engine"
	"calsync/internal/model"
	"calsync/internal/oauth"
	"calsync/prometheus"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantStore persists tenants, principals and scheduling account links.
type TenantStore struct {
	db *gorm.DB
}

// NewTenantStore wraps a database handle.
func NewTenantStore(db *gorm.DB) *TenantStore {
	return &TenantStore{db: db}
}

// TenantByID loads one tenant.
func (s *TenantStore) TenantByID(ctx context.Context, id uint) (*model.Tenant, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var tenant model.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &tenant, nil
}

// UserByID loads one principal.
func (s *TenantStore) UserByID(ctx context.Context, id uint) (*model.User, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// UserByEmail finds the principal with the given email within a tenant.
func (s *TenantStore) UserByEmail(ctx context.Context, tenantID uint, email string) (*model.User, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var user model.User
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND email = ?", tenantID, email).
		First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// MarkTenantReauthRequired flags the tenant after a credential failure.
func (s *TenantStore) MarkTenantReauthRequired(ctx context.Context, tenantID uint) error {
	defer prometheus.TrackDBOperation("update")(time.Now())
	return s.db.WithContext(ctx).
		Model(&model.Tenant{}).
		Where("id = ?", tenantID).
		Update("requires_reauth", true).Error
}

// UpsertTenant finds or creates the tenant for a CRM domain. A successful
// login clears any pending re-auth flag.
func (s *TenantStore) UpsertTenant(ctx context.Context, crmDomain string) (*model.Tenant, error) {
	defer prometheus.TrackDBOperation("upsert")(time.Now())
	var tenant model.Tenant
	err := s.db.WithContext(ctx).
		Where(model.Tenant{CRMDomain: crmDomain}).
		FirstOrCreate(&tenant).Error
	if err != nil {
		return nil, err
	}
	if tenant.RequiresReauth {
		if err := s.db.WithContext(ctx).Model(&tenant).Update("requires_reauth", false).Error; err != nil {
			return nil, err
		}
		tenant.RequiresReauth = false
	}
	return &tenant, nil
}

// SetTenantOrgURI records the scheduling organization linked to the tenant.
func (s *TenantStore) SetTenantOrgURI(ctx context.Context, tenantID uint, orgURI string) error {
	defer prometheus.TrackDBOperation("update")(time.Now())
	return s.db.WithContext(ctx).
		Model(&model.Tenant{}).
		Where("id = ?", tenantID).
		Update("scheduling_org_uri", orgURI).Error
}

// UpsertUser creates or updates the principal for a CRM user id within a
// tenant, overwriting the stored CRM token pair.
func (s *TenantStore) UpsertUser(ctx context.Context, tenantID uint, crmUserID int64, email, name string, creds oauth.Credentials) (*model.User, error) {
	defer prometheus.TrackDBOperation("upsert")(time.Now())
	var user model.User
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND crm_user_id = ?", tenantID, crmUserID).
		First(&user).Error
	switch {
	case err == nil:
		user.Email = email
		user.Name = name
		user.AccessToken = creds.AccessToken
		user.RefreshToken = creds.RefreshToken
		user.TokenExpiry = creds.ExpiresAt
		if err := s.db.WithContext(ctx).Save(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = model.User{
			TenantID:     tenantID,
			CRMUserID:    crmUserID,
			Email:        email,
			Name:         name,
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			TokenExpiry:  creds.ExpiresAt,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	default:
		return nil, err
	}
}

// LinkSchedulingAccount attaches a scheduling account to a principal,
// replacing any prior token pair for the same account URI.
func (s *TenantStore) LinkSchedulingAccount(ctx context.Context, account *model.SchedulingAccount) error {
	defer prometheus.TrackDBOperation("upsert")(time.Now())
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "uri"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "email", "name", "org_uri",
				"access_token", "refresh_token", "token_expiry", "updated_at",
			}),
		}).
		Create(account).Error
}

// SchedulingAccountByUserID loads the scheduling account linked to a principal.
func (s *TenantStore) SchedulingAccountByUserID(ctx context.Context, userID uint) (*model.SchedulingAccount, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var account model.SchedulingAccount
	if err := s.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

// translate maps gorm's not-found onto the engine sentinel so callers can
// branch without importing gorm.
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.ErrNotFound
	}
	return err
}
