package engine

import (
	"bytes"
	"encoding/json"
)

// Webhook event names sent by the scheduling platform.
const (
	EventInviteeCreated  = "invitee.created"
	EventInviteeCanceled = "invitee.canceled"
)

// TransitionKind is the semantic category of a booking lifecycle change. The
// same strings key the mapping table rows.
type TransitionKind string

const (
	TransitionCreated     TransitionKind = "created"
	TransitionCancelled   TransitionKind = "cancelled"
	TransitionRescheduled TransitionKind = "rescheduled"
	TransitionNoShow      TransitionKind = "noshow"
)

// ValidTransitionKind reports whether s names a configurable transition kind.
func ValidTransitionKind(s string) bool {
	switch TransitionKind(s) {
	case TransitionCreated, TransitionCancelled, TransitionRescheduled, TransitionNoShow:
		return true
	}
	return false
}

// Notification is one inbound scheduling-platform webhook body.
type Notification struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

// Payload carries the invitee and booking details of a notification.
type Payload struct {
	URI            string          `json:"uri"`
	Email          string          `json:"email"`
	Name           string          `json:"name"`
	Rescheduled    bool            `json:"rescheduled"`
	OldInvitee     json.RawMessage `json:"old_invitee"`
	RescheduleURL  string          `json:"reschedule_url"`
	CancelURL      string          `json:"cancel_url"`
	Location       Location        `json:"location"`
	ScheduledEvent ScheduledEvent  `json:"scheduled_event"`
	Tracking       Tracking        `json:"tracking"`
}

// Location is the meeting location block; JoinURL is set for web conferences.
type Location struct {
	Type    string `json:"type"`
	JoinURL string `json:"join_url"`
}

// ScheduledEvent identifies the event type and the hosting members.
type ScheduledEvent struct {
	URI              string            `json:"uri"`
	EventType        string            `json:"event_type"`
	StartTime        string            `json:"start_time"`
	EventMemberships []EventMembership `json:"event_memberships"`
}

// EventMembership names one host of the scheduled event.
type EventMembership struct {
	UserEmail string `json:"user_email"`
}

// Tracking carries the UTM fields of the booking link; the CRM deal id rides
// in utm_content.
type Tracking struct {
	UTMSource  string `json:"utm_source"`
	UTMContent string `json:"utm_content"`
}

// HasOldInvitee reports whether the payload names the invitee it replaced,
// i.e. this creation is the new slot produced by a reschedule.
func (p *Payload) HasOldInvitee() bool {
	trimmed := bytes.TrimSpace(p.OldInvitee)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// HostEmail returns the first event membership's email, the CRM user the
// booking belongs to.
func (p *Payload) HostEmail() string {
	if len(p.ScheduledEvent.EventMemberships) == 0 {
		return ""
	}
	return p.ScheduledEvent.EventMemberships[0].UserEmail
}

// Transition is the classified form of a notification. MappingKind names the
// mapping row the engine resolves; Rebooked is set when a creation is the new
// slot of a reschedule (it still resolves the created mapping, the old
// activity stays as the historical record of the old slot).
type Transition struct {
	Kind        TransitionKind
	MappingKind TransitionKind
	Rebooked    bool
}

// Classify derives the transition from (event, rescheduled flag, old_invitee
// presence) in one place. Precedence: the rescheduled flag on a cancellation
// wins over a plain cancel; old_invitee on a creation wins over a fresh
// booking. Unrecognized events yield a not-found error so callers acknowledge
// without mutating anything.
func Classify(n *Notification) (Transition, error) {
	switch n.Event {
	case EventInviteeCreated:
		return Transition{
			Kind:        TransitionCreated,
			MappingKind: TransitionCreated,
			Rebooked:    n.Payload.HasOldInvitee(),
		}, nil
	case EventInviteeCanceled:
		if n.Payload.Rescheduled {
			return Transition{Kind: TransitionRescheduled, MappingKind: TransitionRescheduled}, nil
		}
		return Transition{Kind: TransitionCancelled, MappingKind: TransitionCancelled}, nil
	default:
		return Transition{}, E(KindNotFound, "no reconciliation applies to event "+n.Event, nil)
	}
}
