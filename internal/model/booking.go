package model

import (
	"time"

	"gorm.io/gorm"
)

// Booking lifecycle statuses. A rescheduled booking spawns a new row under the
// new platform URI; rows are never physically deleted so the table doubles as
// the idempotency ledger.
const (
	BookingStatusCreated     = "created"
	BookingStatusCancelled   = "cancelled"
	BookingStatusRescheduled = "rescheduled"
)

// Booking is one instance of a scheduled meeting, keyed by its globally
// unique scheduling-platform URI.
type Booking struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	URI           string         `gorm:"uniqueIndex" json:"uri"`
	TenantID      uint           `gorm:"index" json:"tenant_id"`
	EventTypeID   uint           `gorm:"index" json:"event_type_id"`
	Status        string         `gorm:"index" json:"status"`
	NoShow        bool           `gorm:"default:false" json:"no_show"`
	InviteeEmail  string         `json:"invitee_email"`
	InviteeName   string         `json:"invitee_name"`
	JoinURL       string         `json:"join_url"`
	CancelURL     string         `json:"cancel_url"`
	RescheduleURL string         `json:"reschedule_url"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// DealActivity links a booking to the CRM activity it produced, by the remote
// activity's numeric id plus the owning deal and the mapping that was used.
type DealActivity struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TenantID   uint           `gorm:"index" json:"tenant_id"`
	EventURI   string         `gorm:"uniqueIndex" json:"event_uri"`
	ActivityID int64          `gorm:"index" json:"activity_id"`
	DealID     int64          `gorm:"index" json:"deal_id"`
	MappingID  uint           `json:"mapping_id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}
