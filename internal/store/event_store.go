package store

import (
	"context"
	"time"

	"calsync/internal/engine"
	"calsync/internal/model"
	"calsync/prometheus"

	"gorm.io/gorm"
)

// EventStore persists bookings and their CRM activity links. The bookings
// table is the idempotency ledger: rows are never physically deleted.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore wraps a database handle.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// BookingByURI loads one booking by its platform URI.
func (s *EventStore) BookingByURI(ctx context.Context, uri string) (*model.Booking, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var booking model.Booking
	if err := s.db.WithContext(ctx).First(&booking, "uri = ?", uri).Error; err != nil {
		return nil, translate(err)
	}
	return &booking, nil
}

// CreateBooking inserts a booking row. The unique index on uri rejects a
// concurrent duplicate delivery.
func (s *EventStore) CreateBooking(ctx context.Context, b *model.Booking) error {
	defer prometheus.TrackDBOperation("insert")(time.Now())
	return s.db.WithContext(ctx).Create(b).Error
}

// TransitionBooking moves a booking's status with a compare-and-swap on the
// expected prior status. ErrConflict signals the row was not in that status,
// which callers treat as a concurrent or replayed transition.
func (s *EventStore) TransitionBooking(ctx context.Context, uri, from, to string) error {
	defer prometheus.TrackDBOperation("update")(time.Now())
	res := s.db.WithContext(ctx).
		Model(&model.Booking{}).
		Where("uri = ? AND status = ?", uri, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return engine.ErrConflict
	}
	return nil
}

// SetNoShow flips the no-show annotation on a booking.
func (s *EventStore) SetNoShow(ctx context.Context, uri string, noShow bool) error {
	defer prometheus.TrackDBOperation("update")(time.Now())
	res := s.db.WithContext(ctx).
		Model(&model.Booking{}).
		Where("uri = ?", uri).
		Update("no_show", noShow)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// CreateLink records the CRM activity produced for a booking.
func (s *EventStore) CreateLink(ctx context.Context, l *model.DealActivity) error {
	defer prometheus.TrackDBOperation("insert")(time.Now())
	return s.db.WithContext(ctx).Create(l).Error
}

// LinkByEventURI loads the activity link for a booking URI.
func (s *EventStore) LinkByEventURI(ctx context.Context, uri string) (*model.DealActivity, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var link model.DealActivity
	if err := s.db.WithContext(ctx).First(&link, "event_uri = ?", uri).Error; err != nil {
		return nil, translate(err)
	}
	return &link, nil
}

// LinksByActivityIDs loads the links for a set of remote activity ids, keyed
// by activity id.
func (s *EventStore) LinksByActivityIDs(ctx context.Context, tenantID uint, ids []int64) (map[int64]model.DealActivity, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	out := make(map[int64]model.DealActivity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var links []model.DealActivity
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND activity_id IN ?", tenantID, ids).
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		out[l.ActivityID] = l
	}
	return out, nil
}

// BookingsByURIs loads bookings for a set of URIs, keyed by URI.
func (s *EventStore) BookingsByURIs(ctx context.Context, uris []string) (map[string]model.Booking, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	out := make(map[string]model.Booking, len(uris))
	if len(uris) == 0 {
		return out, nil
	}
	var bookings []model.Booking
	if err := s.db.WithContext(ctx).Where("uri IN ?", uris).Find(&bookings).Error; err != nil {
		return nil, err
	}
	for _, b := range bookings {
		out[b.URI] = b
	}
	return out, nil
}
