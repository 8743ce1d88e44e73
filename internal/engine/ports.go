package engine

import (
	"context"

	"calsync/internal/model"
)

// TenantStore reads tenant and principal rows.
type TenantStore interface {
	TenantByID(ctx context.Context, id uint) (*model.Tenant, error)
	UserByID(ctx context.Context, id uint) (*model.User, error)
	UserByEmail(ctx context.Context, tenantID uint, email string) (*model.User, error)
	MarkTenantReauthRequired(ctx context.Context, tenantID uint) error
}

// ResolvedMapping is the mapping row joined with its CRM activity type.
type ResolvedMapping struct {
	MappingID        uint
	ActivityTypeID   int64
	ActivityTypeKey  string
	ActivityTypeName string
}

// MappingStore routes event type URIs to tenants and resolves transition
// mappings. Resolve returns ErrNotFound when the tenant has not configured the
// transition; that is an expected outcome, distinct from a data-access failure.
type MappingStore interface {
	EventTypeByURI(ctx context.Context, uri string) (*model.EventType, error)
	Resolve(ctx context.Context, tenantID, eventTypeID uint, kind TransitionKind) (*ResolvedMapping, error)
}

// EventStore persists bookings and their CRM activity links.
// TransitionBooking performs a compare-and-swap on the stored status and
// returns ErrConflict when the row is not in the expected prior status, which
// guards concurrent notifications for the same URI against lost updates.
type EventStore interface {
	BookingByURI(ctx context.Context, uri string) (*model.Booking, error)
	CreateBooking(ctx context.Context, b *model.Booking) error
	TransitionBooking(ctx context.Context, uri, from, to string) error
	SetNoShow(ctx context.Context, uri string, noShow bool) error
	CreateLink(ctx context.Context, l *model.DealActivity) error
	LinkByEventURI(ctx context.Context, uri string) (*model.DealActivity, error)
	LinksByActivityIDs(ctx context.Context, tenantID uint, ids []int64) (map[int64]model.DealActivity, error)
	BookingsByURIs(ctx context.Context, uris []string) (map[string]model.Booking, error)
}

// TokenProvider yields a valid access token for a principal, refreshing and
// persisting behind the scenes when the stored one has expired.
type TokenProvider interface {
	EnsureValid(ctx context.Context, principalID uint) (string, error)
}

// ActivityInput is the outbound shape of a CRM activity create or update.
type ActivityInput struct {
	Subject string
	TypeKey string
	TypeID  int64
	DealID  int64
	OwnerID int64
	DueDate string
	Note    string
	Done    bool
}

// Activity is the CRM's view of an activity record.
type Activity struct {
	ID      int64
	Subject string
	TypeKey string
	DueDate string
	Done    bool
}

// CRMClient is the thin wrapper over the CRM REST API the engine writes
// through. The CRM remains the system of record for the activity's display
// state.
type CRMClient interface {
	CreateActivity(ctx context.Context, domain, token string, in ActivityInput) (int64, error)
	UpdateActivity(ctx context.Context, domain, token string, id int64, in ActivityInput) error
	DealActivities(ctx context.Context, domain, token string, dealID int64) ([]Activity, error)
}
