package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"calsync/internal/engine"
	"calsync/internal/model"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPanelService records Panel and MarkAttendance calls.
type stubPanelService struct {
	entries  []engine.PanelEntry
	outcome  *engine.Outcome
	err      error
	lastDeal int64
	lastURI  string
}

func (s *stubPanelService) Panel(_ context.Context, _ uint, dealID int64) ([]engine.PanelEntry, error) {
	s.lastDeal = dealID
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func (s *stubPanelService) MarkAttendance(_ context.Context, _ uint, uri string, _ bool) (*engine.Outcome, error) {
	s.lastURI = uri
	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

func apiContext(method, target, body string, user *model.User) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if user != nil {
		c.Set("user", user)
	}
	return c, rec
}

func testUser() *model.User {
	return &model.User{ID: 10, TenantID: 1, Email: "host@acme.com"}
}

func TestPanelRequiresAuthentication(t *testing.T) {
	h := NewPanelHandler(&stubPanelService{})
	c, rec := apiContext(http.MethodGet, "/api/panel?deal_id=42", "", nil)
	require.NoError(t, h.Panel(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPanelRejectsBadDealID(t *testing.T) {
	h := NewPanelHandler(&stubPanelService{})
	for _, target := range []string{"/api/panel", "/api/panel?deal_id=abc", "/api/panel?deal_id=-1"} {
		c, rec := apiContext(http.MethodGet, target, "", testUser())
		require.NoError(t, h.Panel(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestPanelReturnsEntries(t *testing.T) {
	stub := &stubPanelService{entries: []engine.PanelEntry{{ActivityID: 7, Subject: "Intro Call"}}}
	h := NewPanelHandler(stub)

	c, rec := apiContext(http.MethodGet, "/api/panel?deal_id=42", "", testUser())
	require.NoError(t, h.Panel(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), stub.lastDeal)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestPanelMapsErrorKindsToStatus(t *testing.T) {
	for kind, status := range map[engine.Kind]int{
		engine.KindCredential: http.StatusUnauthorized,
		engine.KindNotFound:   http.StatusNotFound,
		engine.KindTransient:  http.StatusBadGateway,
	} {
		stub := &stubPanelService{err: engine.E(kind, "boom", nil)}
		h := NewPanelHandler(stub)
		c, rec := apiContext(http.MethodGet, "/api/panel?deal_id=42", "", testUser())
		require.NoError(t, h.Panel(c))
		assert.Equal(t, status, rec.Code, string(kind))
	}
}

func TestMarkAttendanceValidation(t *testing.T) {
	h := NewPanelHandler(&stubPanelService{})

	c, rec := apiContext(http.MethodPatch, "/api/bookings/attendance", `{"no_show":true}`, testUser())
	require.NoError(t, h.MarkAttendance(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "uri is required")

	c, rec = apiContext(http.MethodPatch, "/api/bookings/attendance", `{`, testUser())
	require.NoError(t, h.MarkAttendance(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkAttendanceHappyPath(t *testing.T) {
	stub := &stubPanelService{outcome: &engine.Outcome{Action: "attendance_updated"}}
	h := NewPanelHandler(stub)

	c, rec := apiContext(http.MethodPatch, "/api/bookings/attendance",
		`{"uri":"https://api.calendly.com/scheduled_events/EV1/invitees/INV1","no_show":true}`, testUser())
	require.NoError(t, h.MarkAttendance(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://api.calendly.com/scheduled_events/EV1/invitees/INV1", stub.lastURI)
}

func TestCreateMappingValidation(t *testing.T) {
	h := NewConfigHandler(nil) // validation failures never reach the store

	c, rec := apiContext(http.MethodPost, "/api/mappings",
		`{"event_type_id":1,"transition_kind":"created","activity_type_id":2}`, nil)
	require.NoError(t, h.CreateMapping(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	c, rec = apiContext(http.MethodPost, "/api/mappings",
		`{"event_type_id":1,"transition_kind":"canceled","activity_type_id":2}`, testUser())
	require.NoError(t, h.CreateMapping(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "misspelled transition kind")

	c, rec = apiContext(http.MethodPost, "/api/mappings",
		`{"transition_kind":"created"}`, testUser())
	require.NoError(t, h.CreateMapping(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing ids")
}
