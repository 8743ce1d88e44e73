package store

import (
	"context"
	"errors"
	"time"

	"calsync/internal/engine"
	"calsync/internal/model"
	"calsync/prometheus"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MappingStore persists the event-type and activity-type catalogs and the
// transition mappings between them.
type MappingStore struct {
	db *gorm.DB
}

// NewMappingStore wraps a database handle.
func NewMappingStore(db *gorm.DB) *MappingStore {
	return &MappingStore{db: db}
}

// EventTypeByURI routes a scheduling event type URI to its catalog row. URIs
// are globally unique, so this also identifies the tenant.
func (s *MappingStore) EventTypeByURI(ctx context.Context, uri string) (*model.EventType, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var eventType model.EventType
	if err := s.db.WithContext(ctx).First(&eventType, "uri = ?", uri).Error; err != nil {
		return nil, translate(err)
	}
	return &eventType, nil
}

// Resolve returns the mapping configured for (event type, transition kind)
// within a tenant, joined with its activity type. ErrNotFound means the
// tenant chose not to sync that transition; it is not a failure.
func (s *MappingStore) Resolve(ctx context.Context, tenantID, eventTypeID uint, kind engine.TransitionKind) (*engine.ResolvedMapping, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var mapping model.EventTypeMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_type_id = ? AND transition_kind = ?", tenantID, eventTypeID, string(kind)).
		First(&mapping).Error
	if err != nil {
		return nil, translate(err)
	}

	var activityType model.ActivityType
	if err := s.db.WithContext(ctx).First(&activityType, "id = ?", mapping.ActivityTypeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.E(engine.KindInvariant, "mapping references a missing activity type", err)
		}
		return nil, err
	}

	return &engine.ResolvedMapping{
		MappingID:        mapping.ID,
		ActivityTypeID:   activityType.RemoteID,
		ActivityTypeKey:  activityType.Key,
		ActivityTypeName: activityType.Name,
	}, nil
}

// CreateMapping inserts one mapping row. A second active mapping for the same
// (event type, transition kind) triple is rejected.
func (s *MappingStore) CreateMapping(ctx context.Context, m *model.EventTypeMapping) error {
	defer prometheus.TrackDBOperation("insert")(time.Now())

	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.EventTypeMapping{}).
		Where("tenant_id = ? AND event_type_id = ? AND transition_kind = ?", m.TenantID, m.EventTypeID, m.TransitionKind).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return engine.E(engine.KindValidation, "a mapping already exists for this event type and transition", nil)
	}

	var eventType model.EventType
	if err := s.db.WithContext(ctx).First(&eventType, "id = ? AND tenant_id = ?", m.EventTypeID, m.TenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.E(engine.KindValidation, "unknown event type for tenant", err)
		}
		return err
	}
	var activityType model.ActivityType
	if err := s.db.WithContext(ctx).First(&activityType, "id = ? AND tenant_id = ?", m.ActivityTypeID, m.TenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.E(engine.KindValidation, "unknown activity type for tenant", err)
		}
		return err
	}

	return s.db.WithContext(ctx).Create(m).Error
}

// ListMappings lists the tenant's configured mappings.
func (s *MappingStore) ListMappings(ctx context.Context, tenantID uint) ([]model.EventTypeMapping, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var mappings []model.EventTypeMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("event_type_id, transition_kind").
		Find(&mappings).Error
	return mappings, err
}

// ReplaceEventTypes upserts the tenant's event type catalog by URI.
func (s *MappingStore) ReplaceEventTypes(ctx context.Context, tenantID uint, types []model.EventType) error {
	defer prometheus.TrackDBOperation("upsert")(time.Now())
	for i := range types {
		types[i].TenantID = tenantID
	}
	if len(types) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uri"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "tenant_id", "updated_at"}),
		}).
		Create(&types).Error
}

// ReplaceActivityTypes upserts the tenant's activity type catalog by remote id.
func (s *MappingStore) ReplaceActivityTypes(ctx context.Context, tenantID uint, types []model.ActivityType) error {
	defer prometheus.TrackDBOperation("upsert")(time.Now())
	for i := range types {
		types[i].TenantID = tenantID
	}
	if len(types) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "remote_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key", "name", "updated_at"}),
		}).
		Create(&types).Error
}

// ListEventTypes lists the tenant's event type catalog.
func (s *MappingStore) ListEventTypes(ctx context.Context, tenantID uint) ([]model.EventType, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var types []model.EventType
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("name").Find(&types).Error
	return types, err
}

// ListActivityTypes lists the tenant's activity type catalog.
func (s *MappingStore) ListActivityTypes(ctx context.Context, tenantID uint) ([]model.ActivityType, error) {
	defer prometheus.TrackDBOperation("query")(time.Now())
	var types []model.ActivityType
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("name").Find(&types).Error
	return types, err
}
