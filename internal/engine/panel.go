package engine

import (
	"context"
	"errors"
)

// PanelEntry is one row of the deal panel: the CRM activity header flattened
// with the booking it was produced from, when one is known locally.
type PanelEntry struct {
	ActivityID    int64  `json:"activity_id"`
	Subject       string `json:"subject"`
	TypeKey       string `json:"type_key"`
	DueDate       string `json:"due_date"`
	Done          bool   `json:"done"`
	BookingURI    string `json:"booking_uri,omitempty"`
	BookingStatus string `json:"booking_status,omitempty"`
	NoShow        bool   `json:"no_show,omitempty"`
	JoinURL       string `json:"join_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
	RescheduleURL string `json:"reschedule_url,omitempty"`
}

// Panel fetches the CRM activities attached to a deal and joins them with the
// stored booking rows. Read-only; activities with no local link are returned
// with the CRM header alone.
func (e *Engine) Panel(ctx context.Context, principalID uint, dealID int64) ([]PanelEntry, error) {
	user, err := e.tenants.UserByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, E(KindNotFound, "unknown principal", err)
		}
		return nil, err
	}
	tenant, err := e.tenants.TenantByID(ctx, user.TenantID)
	if err != nil {
		return nil, err
	}

	token, err := e.crmTokens.EnsureValid(ctx, user.ID)
	if err != nil {
		e.noteCredentialFailure(ctx, tenant.ID, err)
		return nil, err
	}

	activities, err := e.crm.DealActivities(ctx, tenant.CRMDomain, token, dealID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(activities))
	for _, a := range activities {
		ids = append(ids, a.ID)
	}
	links, err := e.events.LinksByActivityIDs(ctx, tenant.ID, ids)
	if err != nil {
		return nil, err
	}

	uris := make([]string, 0, len(links))
	for _, l := range links {
		uris = append(uris, l.EventURI)
	}
	bookings, err := e.events.BookingsByURIs(ctx, uris)
	if err != nil {
		return nil, err
	}

	entries := make([]PanelEntry, 0, len(activities))
	for _, a := range activities {
		entry := PanelEntry{
			ActivityID: a.ID,
			Subject:    a.Subject,
			TypeKey:    a.TypeKey,
			DueDate:    a.DueDate,
			Done:       a.Done,
		}
		if link, ok := links[a.ID]; ok {
			if b, ok := bookings[link.EventURI]; ok {
				entry.BookingURI = b.URI
				entry.BookingStatus = b.Status
				entry.NoShow = b.NoShow
				entry.JoinURL = b.JoinURL
				entry.CancelURL = b.CancelURL
				entry.RescheduleURL = b.RescheduleURL
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
