package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"calsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTenantStore serves tenants and users from memory and records re-auth
// flags.
type fakeTenantStore struct {
	tenants map[uint]*model.Tenant
	users   map[uint]*model.User
	reauth  []uint
}

func (f *fakeTenantStore) TenantByID(_ context.Context, id uint) (*model.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (f *fakeTenantStore) UserByID(_ context.Context, id uint) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (f *fakeTenantStore) UserByEmail(_ context.Context, tenantID uint, email string) (*model.User, error) {
	for _, u := range f.users {
		if u.TenantID == tenantID && u.Email == email {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeTenantStore) MarkTenantReauthRequired(_ context.Context, tenantID uint) error {
	f.reauth = append(f.reauth, tenantID)
	return nil
}

type mappingKey struct {
	tenantID    uint
	eventTypeID uint
	kind        TransitionKind
}

// fakeMappingStore routes URIs and resolves configured mappings from memory.
type fakeMappingStore struct {
	eventTypes map[string]*model.EventType
	mappings   map[mappingKey]*ResolvedMapping
}

func (f *fakeMappingStore) EventTypeByURI(_ context.Context, uri string) (*model.EventType, error) {
	et, ok := f.eventTypes[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return et, nil
}

func (f *fakeMappingStore) Resolve(_ context.Context, tenantID, eventTypeID uint, kind TransitionKind) (*ResolvedMapping, error) {
	m, ok := f.mappings[mappingKey{tenantID, eventTypeID, kind}]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// fakeEventStore mimics the durable booking ledger, including the CAS
// semantics of TransitionBooking.
type fakeEventStore struct {
	mu       sync.Mutex
	bookings map[string]*model.Booking
	links    map[string]*model.DealActivity
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		bookings: make(map[string]*model.Booking),
		links:    make(map[string]*model.DealActivity),
	}
}

func (f *fakeEventStore) BookingByURI(_ context.Context, uri string) (*model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[uri]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeEventStore) CreateBooking(_ context.Context, b *model.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.bookings[b.URI]; exists {
		return ErrConflict
	}
	copied := *b
	f.bookings[b.URI] = &copied
	return nil
}

func (f *fakeEventStore) TransitionBooking(_ context.Context, uri, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[uri]
	if !ok || b.Status != from {
		return ErrConflict
	}
	b.Status = to
	return nil
}

func (f *fakeEventStore) SetNoShow(_ context.Context, uri string, noShow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[uri]
	if !ok {
		return ErrNotFound
	}
	b.NoShow = noShow
	return nil
}

func (f *fakeEventStore) CreateLink(_ context.Context, l *model.DealActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.links[l.EventURI]; exists {
		return ErrConflict
	}
	copied := *l
	f.links[l.EventURI] = &copied
	return nil
}

func (f *fakeEventStore) LinkByEventURI(_ context.Context, uri string) (*model.DealActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[uri]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *l
	return &copied, nil
}

func (f *fakeEventStore) LinksByActivityIDs(_ context.Context, tenantID uint, ids []int64) (map[int64]model.DealActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]model.DealActivity)
	for _, l := range f.links {
		if l.TenantID != tenantID {
			continue
		}
		for _, id := range ids {
			if l.ActivityID == id {
				out[id] = *l
			}
		}
	}
	return out, nil
}

func (f *fakeEventStore) BookingsByURIs(_ context.Context, uris []string) (map[string]model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.Booking)
	for _, uri := range uris {
		if b, ok := f.bookings[uri]; ok {
			out[uri] = *b
		}
	}
	return out, nil
}

// fakeTokens hands out a static token, or a canned error.
type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) EnsureValid(_ context.Context, _ uint) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type crmCall struct {
	op     string
	id     int64
	input  ActivityInput
	domain string
}

// fakeCRM records every write and assigns sequential activity ids.
type fakeCRM struct {
	mu         sync.Mutex
	calls      []crmCall
	nextID     int64
	createErr  error
	updateErr  error
	activities []Activity
}

func (f *fakeCRM) CreateActivity(_ context.Context, domain, _ string, in ActivityInput) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.calls = append(f.calls, crmCall{op: "create", id: f.nextID, input: in, domain: domain})
	return f.nextID, nil
}

func (f *fakeCRM) UpdateActivity(_ context.Context, domain, _ string, id int64, in ActivityInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.calls = append(f.calls, crmCall{op: "update", id: id, input: in, domain: domain})
	return nil
}

func (f *fakeCRM) DealActivities(_ context.Context, _, _ string, _ int64) ([]Activity, error) {
	return f.activities, nil
}

type fixture struct {
	engine  *Engine
	tenants *fakeTenantStore
	events  *fakeEventStore
	crm     *fakeCRM
	tokens  *fakeTokens
}

const (
	eventTypeURI = "https://api.calendly.com/event_types/ETYPE1"
	bookingURI   = "https://api.calendly.com/scheduled_events/EV1/invitees/INV1"
)

func newFixture() *fixture {
	tenants := &fakeTenantStore{
		tenants: map[uint]*model.Tenant{
			1: {ID: 1, CRMDomain: "acme"},
		},
		users: map[uint]*model.User{
			10: {ID: 10, TenantID: 1, CRMUserID: 501, Email: "host@acme.com"},
		},
	}
	mappings := &fakeMappingStore{
		eventTypes: map[string]*model.EventType{
			eventTypeURI: {ID: 7, TenantID: 1, URI: eventTypeURI, Name: "Intro Call"},
		},
		mappings: map[mappingKey]*ResolvedMapping{
			{1, 7, TransitionCreated}:     {MappingID: 100, ActivityTypeID: 1, ActivityTypeKey: "meeting", ActivityTypeName: "Meeting"},
			{1, 7, TransitionCancelled}:   {MappingID: 101, ActivityTypeID: 2, ActivityTypeKey: "cancelled_meeting", ActivityTypeName: "Cancelled"},
			{1, 7, TransitionRescheduled}: {MappingID: 102, ActivityTypeID: 3, ActivityTypeKey: "rescheduled_meeting", ActivityTypeName: "Rescheduled"},
			{1, 7, TransitionNoShow}:      {MappingID: 103, ActivityTypeID: 4, ActivityTypeKey: "no_show", ActivityTypeName: "No Show"},
		},
	}
	events := newFakeEventStore()
	crm := &fakeCRM{}
	tokens := &fakeTokens{token: "crm-token"}
	return &fixture{
		engine:  New(tenants, mappings, events, crm, tokens, zap.NewNop()),
		tenants: tenants,
		events:  events,
		crm:     crm,
		tokens:  tokens,
	}
}

func createdNotification() *Notification {
	return &Notification{
		Event: EventInviteeCreated,
		Payload: Payload{
			URI:   bookingURI,
			Email: "invitee@example.com",
			Name:  "Ada Lovelace",
			Location: Location{
				Type:    "zoom",
				JoinURL: "https://zoom.example.com/j/123",
			},
			ScheduledEvent: ScheduledEvent{
				EventType: eventTypeURI,
				StartTime: "2026-09-01T10:00:00Z",
				EventMemberships: []EventMembership{
					{UserEmail: "host@acme.com"},
				},
			},
			Tracking: Tracking{UTMContent: "42"},
		},
	}
}

func cancelledNotification(rescheduled bool) *Notification {
	n := createdNotification()
	n.Event = EventInviteeCanceled
	n.Payload.Rescheduled = rescheduled
	return n
}

func TestHandleNotificationCreated(t *testing.T) {
	f := newFixture()

	out, err := f.engine.HandleNotification(context.Background(), createdNotification())
	require.NoError(t, err)
	assert.Equal(t, TransitionCreated, out.Transition)
	assert.Equal(t, int64(1), out.ActivityID)
	assert.False(t, out.Replayed)

	require.Len(t, f.crm.calls, 1)
	call := f.crm.calls[0]
	assert.Equal(t, "create", call.op)
	assert.Equal(t, "acme", call.domain)
	assert.Equal(t, "meeting", call.input.TypeKey)
	assert.Equal(t, int64(42), call.input.DealID)
	assert.Equal(t, int64(501), call.input.OwnerID)
	assert.Equal(t, "Intro Call with Ada Lovelace", call.input.Subject)

	booking, err := f.events.BookingByURI(context.Background(), bookingURI)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCreated, booking.Status)

	link, err := f.events.LinkByEventURI(context.Background(), bookingURI)
	require.NoError(t, err)
	assert.Equal(t, int64(1), link.ActivityID)
	assert.Equal(t, int64(42), link.DealID)
}

func TestHandleNotificationCreatedReplay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)

	out, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, int64(1), out.ActivityID)
	assert.Len(t, f.crm.calls, 1, "replay must not touch the CRM")
}

func TestHandleNotificationResumesAfterRemoteCreateFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.crm.createErr = E(KindTransient, "CRM unreachable", nil)
	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))

	// The booking row was committed before the failed remote write. Redelivery
	// must resume at the remote create against that row, not trip over it.
	f.crm.createErr = nil
	out, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, int64(1), out.ActivityID)

	link, err := f.events.LinkByEventURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.Equal(t, int64(1), link.ActivityID)
	require.Len(t, f.crm.calls, 1)
}

func TestHandleNotificationRetriesRemoteUpdateAfterFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)

	f.crm.updateErr = E(KindTransient, "CRM unreachable", nil)
	_, err = f.engine.HandleNotification(ctx, cancelledNotification(false))
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))

	booking, err := f.events.BookingByURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCreated, booking.Status,
		"status must not commit ahead of the CRM write")

	// Redelivery after the CRM recovers applies the update for real.
	f.crm.updateErr = nil
	out, err := f.engine.HandleNotification(ctx, cancelledNotification(false))
	require.NoError(t, err)
	assert.False(t, out.Replayed)

	booking, err = f.events.BookingByURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, booking.Status)

	require.Len(t, f.crm.calls, 2)
	assert.Equal(t, "update", f.crm.calls[1].op)
}

func TestHandleNotificationCancelled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)

	out, err := f.engine.HandleNotification(ctx, cancelledNotification(false))
	require.NoError(t, err)
	assert.Equal(t, TransitionCancelled, out.Transition)
	assert.Equal(t, int64(1), out.ActivityID)

	booking, err := f.events.BookingByURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, booking.Status)

	require.Len(t, f.crm.calls, 2)
	update := f.crm.calls[1]
	assert.Equal(t, "update", update.op)
	assert.Equal(t, int64(1), update.id)
	assert.True(t, update.input.Done)
	assert.Equal(t, "cancelled_meeting", update.input.TypeKey)
}

func TestHandleNotificationCancelledReplay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)
	_, err = f.engine.HandleNotification(ctx, cancelledNotification(false))
	require.NoError(t, err)

	out, err := f.engine.HandleNotification(ctx, cancelledNotification(false))
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Len(t, f.crm.calls, 2, "replayed cancellation must not touch the CRM")
}

func TestHandleNotificationRescheduledFlag(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)

	out, err := f.engine.HandleNotification(ctx, cancelledNotification(true))
	require.NoError(t, err)
	assert.Equal(t, TransitionRescheduled, out.Transition)

	booking, err := f.events.BookingByURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusRescheduled, booking.Status)

	update := f.crm.calls[1]
	assert.Equal(t, "rescheduled_meeting", update.input.TypeKey)
}

func TestHandleNotificationRebookCreatesFreshActivity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)
	_, err = f.engine.HandleNotification(ctx, cancelledNotification(true))
	require.NoError(t, err)

	// The new slot of the reschedule arrives as a creation under a new URI
	// carrying old_invitee.
	rebook := createdNotification()
	rebook.Payload.URI = "https://api.calendly.com/scheduled_events/EV2/invitees/INV2"
	rebook.Payload.OldInvitee = json.RawMessage(`{"uri":"` + bookingURI + `"}`)

	out, err := f.engine.HandleNotification(ctx, rebook)
	require.NoError(t, err)
	assert.Equal(t, TransitionCreated, out.Transition)
	assert.Equal(t, int64(2), out.ActivityID, "rebook gets a fresh activity")

	// The old activity remains the record of the old slot.
	link, err := f.events.LinkByEventURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.Equal(t, int64(1), link.ActivityID)
}

func TestHandleNotificationUnknownEventType(t *testing.T) {
	f := newFixture()
	n := createdNotification()
	n.Payload.ScheduledEvent.EventType = "https://api.calendly.com/event_types/UNKNOWN"

	_, err := f.engine.HandleNotification(context.Background(), n)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Empty(t, f.crm.calls, "routing failure must not reach the CRM")
}

func TestHandleNotificationMissingMapping(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)

	// The tenant never configured a cancelled mapping.
	ms := f.engine.mappings.(*fakeMappingStore)
	delete(ms.mappings, mappingKey{1, 7, TransitionCancelled})

	_, err = f.engine.HandleNotification(ctx, cancelledNotification(false))
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Len(t, f.crm.calls, 1, "missing mapping must not reach the CRM")

	booking, err := f.events.BookingByURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCreated, booking.Status, "no partial transition on failure")
}

func TestHandleNotificationMissingDealReference(t *testing.T) {
	f := newFixture()
	n := createdNotification()
	n.Payload.Tracking.UTMContent = ""

	_, err := f.engine.HandleNotification(context.Background(), n)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Empty(t, f.crm.calls)
}

func TestHandleNotificationNonNumericDealReference(t *testing.T) {
	f := newFixture()
	n := createdNotification()
	n.Payload.Tracking.UTMContent = "deal-42"

	_, err := f.engine.HandleNotification(context.Background(), n)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestHandleNotificationUnknownHost(t *testing.T) {
	f := newFixture()
	n := createdNotification()
	n.Payload.ScheduledEvent.EventMemberships = []EventMembership{{UserEmail: "stranger@acme.com"}}

	_, err := f.engine.HandleNotification(context.Background(), n)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestHandleNotificationCredentialFailureFlagsTenant(t *testing.T) {
	f := newFixture()
	f.tokens.err = E(KindCredential, "crm credential refresh failed", nil)

	_, err := f.engine.HandleNotification(context.Background(), createdNotification())
	require.Error(t, err)
	assert.Equal(t, KindCredential, KindOf(err))
	assert.Equal(t, []uint{1}, f.tenants.reauth, "credential failure must flag the tenant")
}

func TestHandleNotificationCancelBeforeCreate(t *testing.T) {
	f := newFixture()

	_, err := f.engine.HandleNotification(context.Background(), cancelledNotification(false))
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Empty(t, f.crm.calls)
}

func TestHandleNotificationConflictingTransition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)
	_, err = f.engine.HandleNotification(ctx, cancelledNotification(false))
	require.NoError(t, err)

	// A late reschedule for a booking that already went cancelled cannot win.
	_, err = f.engine.HandleNotification(ctx, cancelledNotification(true))
	require.Error(t, err)
	assert.Equal(t, KindInvariant, KindOf(err))
}

func TestMarkAttendance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)

	out, err := f.engine.MarkAttendance(ctx, 10, bookingURI, true)
	require.NoError(t, err)
	assert.Equal(t, "attendance_updated", out.Action)

	booking, err := f.events.BookingByURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.True(t, booking.NoShow)

	require.Len(t, f.crm.calls, 2)
	update := f.crm.calls[1]
	assert.Equal(t, "update", update.op)
	assert.Equal(t, "no_show", update.input.TypeKey)
	assert.True(t, update.input.Done)

	// Clearing the flag is local only.
	_, err = f.engine.MarkAttendance(ctx, 10, bookingURI, false)
	require.NoError(t, err)
	booking, err = f.events.BookingByURI(ctx, bookingURI)
	require.NoError(t, err)
	assert.False(t, booking.NoShow)
	assert.Len(t, f.crm.calls, 2, "clearing no-show must not touch the CRM")
}

func TestMarkAttendanceUnknownBooking(t *testing.T) {
	f := newFixture()
	_, err := f.engine.MarkAttendance(context.Background(), 10, "https://api.calendly.com/scheduled_events/NONE/invitees/NONE", true)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestPanel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.engine.HandleNotification(ctx, createdNotification())
	require.NoError(t, err)

	f.crm.activities = []Activity{
		{ID: 1, Subject: "Intro Call with Ada Lovelace", TypeKey: "meeting", DueDate: "2026-09-01"},
		{ID: 99, Subject: "Manual follow-up call", TypeKey: "call"},
	}

	entries, err := f.engine.Panel(ctx, 10, 42)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, bookingURI, entries[0].BookingURI)
	assert.Equal(t, model.BookingStatusCreated, entries[0].BookingStatus)
	assert.Equal(t, "https://zoom.example.com/j/123", entries[0].JoinURL)

	assert.Empty(t, entries[1].BookingURI, "unlinked activity keeps the CRM header alone")
}

func TestPanelUnknownPrincipal(t *testing.T) {
	f := newFixture()
	_, err := f.engine.Panel(context.Background(), 999, 42)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}
