package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"calsync/internal/model"
	"calsync/prometheus"

	"go.uber.org/zap"
)

// Engine turns one inbound booking notification into zero or one CRM write.
// All collaborators are injected; the engine holds no mutable state of its
// own, every request goes through the durable store.
type Engine struct {
	tenants   TenantStore
	mappings  MappingStore
	events    EventStore
	crm       CRMClient
	crmTokens TokenProvider
	log       *zap.Logger
}

// New constructs an Engine from its collaborators.
func New(tenants TenantStore, mappings MappingStore, events EventStore, crm CRMClient, crmTokens TokenProvider, log *zap.Logger) *Engine {
	return &Engine{
		tenants:   tenants,
		mappings:  mappings,
		events:    events,
		crm:       crm,
		crmTokens: crmTokens,
		log:       log,
	}
}

// Outcome describes what a notification produced.
type Outcome struct {
	Transition TransitionKind `json:"transition"`
	BookingURI string         `json:"booking_uri"`
	ActivityID int64          `json:"activity_id,omitempty"`
	Replayed   bool           `json:"replayed,omitempty"`
	Action     string         `json:"action"`
}

// HandleNotification resolves a notification against tenant configuration and
// prior state, then applies the corresponding CRM mutation exactly once per
// logical transition. The first failing step aborts the rest; no partial CRM
// writes are attempted after a failed precondition.
func (e *Engine) HandleNotification(ctx context.Context, n *Notification) (*Outcome, error) {
	tr, err := Classify(n)
	if err != nil {
		return nil, err
	}

	if n.Payload.URI == "" {
		return nil, E(KindValidation, "notification payload has no booking uri", nil)
	}

	eventType, err := e.mappings.EventTypeByURI(ctx, n.Payload.ScheduledEvent.EventType)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, E(KindConfiguration, "event type not registered with any tenant: "+n.Payload.ScheduledEvent.EventType, err)
		}
		return nil, err
	}

	tenant, err := e.tenants.TenantByID(ctx, eventType.TenantID)
	if err != nil {
		return nil, err
	}

	out, err := e.dispatch(ctx, tenant, eventType, tr, n)
	if err != nil {
		e.noteCredentialFailure(ctx, tenant.ID, err)
		prometheus.RecordReconcile(string(tr.Kind), string(KindOf(err)))
		return nil, err
	}
	prometheus.RecordReconcile(string(tr.Kind), "ok")
	return out, nil
}

func (e *Engine) dispatch(ctx context.Context, tenant *model.Tenant, eventType *model.EventType, tr Transition, n *Notification) (*Outcome, error) {
	switch tr.Kind {
	case TransitionCreated:
		return e.handleCreated(ctx, tenant, eventType, tr, n)
	case TransitionCancelled, TransitionRescheduled:
		return e.handleCancellation(ctx, tenant, eventType, tr, n)
	default:
		return nil, E(KindNotFound, "no reconciliation applies to transition "+string(tr.Kind), nil)
	}
}

// handleCreated processes invitee.created. The bookings table is the
// idempotency ledger: a row with an activity link means the notification was
// fully processed and the stored link is replayed without a remote call; a row
// without a link means an earlier delivery failed after the local write, so
// this delivery resumes at the remote create instead of re-inserting. A
// creation carrying old_invitee is the new slot of a reschedule; it gets a
// fresh booking row and a fresh activity under the created mapping, the old
// activity stays as the record of the old slot.
func (e *Engine) handleCreated(ctx context.Context, tenant *model.Tenant, eventType *model.EventType, tr Transition, n *Notification) (*Outcome, error) {
	resuming := false
	if _, err := e.events.BookingByURI(ctx, n.Payload.URI); err == nil {
		link, lerr := e.events.LinkByEventURI(ctx, n.Payload.URI)
		if lerr == nil {
			e.log.Info("booking already reconciled, replaying stored link",
				zap.String("uri", n.Payload.URI),
				zap.Int64("activity_id", link.ActivityID))
			return &Outcome{
				Transition: tr.Kind,
				BookingURI: n.Payload.URI,
				ActivityID: link.ActivityID,
				Replayed:   true,
				Action:     "activity_created",
			}, nil
		}
		if !errors.Is(lerr, ErrNotFound) {
			return nil, lerr
		}
		e.log.Info("booking stored without activity link, resuming remote create",
			zap.String("uri", n.Payload.URI))
		resuming = true
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	mapping, err := e.resolveMapping(ctx, tenant.ID, eventType.ID, tr.MappingKind)
	if err != nil {
		return nil, err
	}

	user, dealID, token, err := e.preconditions(ctx, tenant, n)
	if err != nil {
		return nil, err
	}

	if !resuming {
		// Local row first: upstream lookups are done, and a duplicate URI from
		// a concurrent delivery fails here before any remote write.
		booking := &model.Booking{
			URI:           n.Payload.URI,
			TenantID:      tenant.ID,
			EventTypeID:   eventType.ID,
			Status:        model.BookingStatusCreated,
			InviteeEmail:  n.Payload.Email,
			InviteeName:   n.Payload.Name,
			JoinURL:       n.Payload.Location.JoinURL,
			CancelURL:     n.Payload.CancelURL,
			RescheduleURL: n.Payload.RescheduleURL,
		}
		if err := e.events.CreateBooking(ctx, booking); err != nil {
			return nil, err
		}
	}

	activityID, err := e.crm.CreateActivity(ctx, tenant.CRMDomain, token, ActivityInput{
		Subject: activitySubject(eventType, n),
		TypeKey: mapping.ActivityTypeKey,
		TypeID:  mapping.ActivityTypeID,
		DealID:  dealID,
		OwnerID: user.CRMUserID,
		DueDate: n.Payload.ScheduledEvent.StartTime,
		Note:    activityNote(n),
	})
	if err != nil {
		return nil, err
	}

	if err := e.events.CreateLink(ctx, &model.DealActivity{
		TenantID:   tenant.ID,
		EventURI:   n.Payload.URI,
		ActivityID: activityID,
		DealID:     dealID,
		MappingID:  mapping.MappingID,
	}); err != nil {
		return nil, err
	}

	e.log.Info("created CRM activity for booking",
		zap.String("uri", n.Payload.URI),
		zap.Int64("activity_id", activityID),
		zap.Bool("rebooked", tr.Rebooked),
		zap.Uint("tenant_id", tenant.ID))

	return &Outcome{
		Transition: tr.Kind,
		BookingURI: n.Payload.URI,
		ActivityID: activityID,
		Action:     "activity_created",
	}, nil
}

// handleCancellation processes invitee.canceled for both the plain cancel and
// the reschedule flavor; the two differ only in the resolved mapping kind and
// the status written to the booking row.
func (e *Engine) handleCancellation(ctx context.Context, tenant *model.Tenant, eventType *model.EventType, tr Transition, n *Notification) (*Outcome, error) {
	target := model.BookingStatusCancelled
	if tr.Kind == TransitionRescheduled {
		target = model.BookingStatusRescheduled
	}

	booking, err := e.events.BookingByURI(ctx, n.Payload.URI)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, E(KindNotFound, "no booking stored for "+n.Payload.URI, err)
		}
		return nil, err
	}
	// The CAS commits only after the remote update succeeded, so a stored
	// target status means the CRM write is already applied.
	if booking.Status == target {
		return &Outcome{Transition: tr.Kind, BookingURI: booking.URI, Replayed: true, Action: "activity_updated"}, nil
	}

	link, err := e.events.LinkByEventURI(ctx, n.Payload.URI)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, E(KindInvariant, "booking has no activity link: "+n.Payload.URI, err)
		}
		return nil, err
	}

	mapping, err := e.resolveMapping(ctx, tenant.ID, eventType.ID, tr.MappingKind)
	if err != nil {
		return nil, err
	}

	token, err := e.tokenForHost(ctx, tenant, n)
	if err != nil {
		return nil, err
	}

	// Remote update before the status commit: if it fails here the row stays
	// created and the next redelivery retries the CRM write. The update is
	// idempotent, so a replay re-applying it after a CAS race is harmless.
	if err := e.crm.UpdateActivity(ctx, tenant.CRMDomain, token, link.ActivityID, ActivityInput{
		TypeKey: mapping.ActivityTypeKey,
		TypeID:  mapping.ActivityTypeID,
		DealID:  link.DealID,
		Done:    true,
	}); err != nil {
		return nil, err
	}

	// CAS from created guards against a concurrent transition on the same URI.
	if err := e.events.TransitionBooking(ctx, booking.URI, model.BookingStatusCreated, target); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		current, rerr := e.events.BookingByURI(ctx, booking.URI)
		if rerr != nil {
			return nil, rerr
		}
		if current.Status == target {
			return &Outcome{Transition: tr.Kind, BookingURI: booking.URI, Replayed: true, Action: "activity_updated"}, nil
		}
		return nil, E(KindInvariant,
			fmt.Sprintf("booking %s is %s, cannot transition to %s", booking.URI, current.Status, target), nil)
	}

	e.log.Info("updated CRM activity for booking transition",
		zap.String("uri", booking.URI),
		zap.String("status", target),
		zap.Int64("activity_id", link.ActivityID),
		zap.Uint("tenant_id", tenant.ID))

	return &Outcome{
		Transition: tr.Kind,
		BookingURI: booking.URI,
		ActivityID: link.ActivityID,
		Action:     "activity_updated",
	}, nil
}

// MarkAttendance applies the no-show annotation for a booking. No-show is a
// terminal annotation on the activity, not a booking status transition.
// Clearing the flag only updates the local row.
func (e *Engine) MarkAttendance(ctx context.Context, principalID uint, uri string, noShow bool) (*Outcome, error) {
	booking, err := e.events.BookingByURI(ctx, uri)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, E(KindNotFound, "no booking stored for "+uri, err)
		}
		return nil, err
	}

	if noShow {
		link, err := e.events.LinkByEventURI(ctx, uri)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, E(KindInvariant, "booking has no activity link: "+uri, err)
			}
			return nil, err
		}
		mapping, err := e.resolveMapping(ctx, booking.TenantID, booking.EventTypeID, TransitionNoShow)
		if err != nil {
			return nil, err
		}
		tenant, err := e.tenants.TenantByID(ctx, booking.TenantID)
		if err != nil {
			return nil, err
		}
		token, err := e.crmTokens.EnsureValid(ctx, principalID)
		if err != nil {
			e.noteCredentialFailure(ctx, tenant.ID, err)
			return nil, err
		}
		if err := e.crm.UpdateActivity(ctx, tenant.CRMDomain, token, link.ActivityID, ActivityInput{
			TypeKey: mapping.ActivityTypeKey,
			TypeID:  mapping.ActivityTypeID,
			DealID:  link.DealID,
			Done:    true,
		}); err != nil {
			return nil, err
		}
	}

	if err := e.events.SetNoShow(ctx, uri, noShow); err != nil {
		return nil, err
	}
	return &Outcome{Transition: TransitionNoShow, BookingURI: uri, Action: "attendance_updated"}, nil
}

// resolveMapping wraps the store lookup so an absent mapping surfaces as a
// configuration error naming the missing kind.
func (e *Engine) resolveMapping(ctx context.Context, tenantID, eventTypeID uint, kind TransitionKind) (*ResolvedMapping, error) {
	mapping, err := e.mappings.Resolve(ctx, tenantID, eventTypeID, kind)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, E(KindConfiguration, "no "+string(kind)+" mapping configured for event type", err)
		}
		return nil, err
	}
	return mapping, nil
}

// preconditions resolves everything a remote CRM mutation needs: the CRM user
// matched by the host's email, the deal identity from the payload, and a
// valid CRM access token.
func (e *Engine) preconditions(ctx context.Context, tenant *model.Tenant, n *Notification) (*model.User, int64, string, error) {
	host := n.Payload.HostEmail()
	if host == "" {
		return nil, 0, "", E(KindValidation, "notification has no event membership email", nil)
	}
	user, err := e.tenants.UserByEmail(ctx, tenant.ID, host)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, "", E(KindConfiguration, "no CRM user matches host email "+host, err)
		}
		return nil, 0, "", err
	}

	dealID, err := dealFromPayload(&n.Payload)
	if err != nil {
		return nil, 0, "", err
	}

	token, err := e.crmTokens.EnsureValid(ctx, user.ID)
	if err != nil {
		return nil, 0, "", err
	}
	return user, dealID, token, nil
}

// tokenForHost is the cancellation flavor of preconditions: the deal is
// already known from the stored link, only the user match and a valid token
// are needed.
func (e *Engine) tokenForHost(ctx context.Context, tenant *model.Tenant, n *Notification) (string, error) {
	host := n.Payload.HostEmail()
	if host == "" {
		return "", E(KindValidation, "notification has no event membership email", nil)
	}
	user, err := e.tenants.UserByEmail(ctx, tenant.ID, host)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", E(KindConfiguration, "no CRM user matches host email "+host, err)
		}
		return "", err
	}
	return e.crmTokens.EnsureValid(ctx, user.ID)
}

// noteCredentialFailure flags the tenant for re-authorization when a
// credential-kind error surfaced; a revoked token needs tenant action, not a
// retry.
func (e *Engine) noteCredentialFailure(ctx context.Context, tenantID uint, err error) {
	if KindOf(err) != KindCredential {
		return
	}
	if merr := e.tenants.MarkTenantReauthRequired(ctx, tenantID); merr != nil {
		e.log.Error("failed to flag tenant for re-authorization",
			zap.Uint("tenant_id", tenantID), zap.Error(merr))
		return
	}
	e.log.Warn("tenant flagged for re-authorization", zap.Uint("tenant_id", tenantID))
}

// dealFromPayload reads the CRM deal id the booking link embedded in
// utm_content.
func dealFromPayload(p *Payload) (int64, error) {
	if p.Tracking.UTMContent == "" {
		return 0, E(KindConfiguration, "booking carries no deal reference in utm_content", nil)
	}
	dealID, err := strconv.ParseInt(p.Tracking.UTMContent, 10, 64)
	if err != nil {
		return 0, E(KindConfiguration, "deal reference is not numeric: "+p.Tracking.UTMContent, err)
	}
	return dealID, nil
}

func activitySubject(eventType *model.EventType, n *Notification) string {
	if n.Payload.Name != "" {
		return eventType.Name + " with " + n.Payload.Name
	}
	return eventType.Name
}

func activityNote(n *Notification) string {
	note := ""
	if n.Payload.Location.JoinURL != "" {
		note += "Join: " + n.Payload.Location.JoinURL + "\n"
	}
	if n.Payload.RescheduleURL != "" {
		note += "Reschedule: " + n.Payload.RescheduleURL + "\n"
	}
	if n.Payload.CancelURL != "" {
		note += "Cancel: " + n.Payload.CancelURL + "\n"
	}
	return note
}
