// Package crm wraps the CRM's REST API. Requests carry a bearer token the
// caller obtained from the token refresh bridge; the client keeps no token
// state of its own.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"calsync/internal/engine"
	"calsync/prometheus"
)

const platformName = "crm"

// Client is the CRM API client. The base is a template the tenant's CRM
// domain is substituted into, e.g. "https://%s.pipedrive.com/api/v1".
type Client struct {
	baseTemplate string
	http         *http.Client
}

// NewClient builds a Client with a bounded request timeout.
func NewClient(baseTemplate string, timeout time.Duration) *Client {
	return &Client{
		baseTemplate: baseTemplate,
		http:         &http.Client{Timeout: timeout},
	}
}

// User is a CRM user record.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ActivityType is a CRM activity type catalog entry.
type ActivityType struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	KeyStr   string `json:"key_string"`
	ActiveAt bool   `json:"active_flag"`
}

type activityBody struct {
	Subject string `json:"subject,omitempty"`
	Type    string `json:"type,omitempty"`
	DealID  int64  `json:"deal_id,omitempty"`
	UserID  int64  `json:"user_id,omitempty"`
	DueDate string `json:"due_date,omitempty"`
	Note    string `json:"note,omitempty"`
	Done    int    `json:"done"`
}

type activityRecord struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
	Type    string `json:"type"`
	DueDate string `json:"due_date"`
	Done    bool   `json:"done"`
}

// CurrentUser fetches the authenticated CRM user.
func (c *Client) CurrentUser(ctx context.Context, domain, token string) (User, error) {
	var out struct {
		Success bool `json:"success"`
		Data    User `json:"data"`
	}
	if err := c.do(ctx, domain, token, http.MethodGet, "/users/me", nil, &out, "current_user"); err != nil {
		return User{}, err
	}
	return out.Data, nil
}

// ActivityTypes lists the tenant's activity type catalog.
func (c *Client) ActivityTypes(ctx context.Context, domain, token string) ([]ActivityType, error) {
	var out struct {
		Success bool           `json:"success"`
		Data    []ActivityType `json:"data"`
	}
	if err := c.do(ctx, domain, token, http.MethodGet, "/activityTypes", nil, &out, "activity_types"); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreateActivity creates an activity and returns its remote id.
func (c *Client) CreateActivity(ctx context.Context, domain, token string, in engine.ActivityInput) (int64, error) {
	var out struct {
		Success bool           `json:"success"`
		Data    activityRecord `json:"data"`
	}
	body := activityBody{
		Subject: in.Subject,
		Type:    in.TypeKey,
		DealID:  in.DealID,
		UserID:  in.OwnerID,
		DueDate: in.DueDate,
		Note:    in.Note,
	}
	if in.Done {
		body.Done = 1
	}
	if err := c.do(ctx, domain, token, http.MethodPost, "/activities", body, &out, "create_activity"); err != nil {
		return 0, err
	}
	return out.Data.ID, nil
}

// UpdateActivity mutates an existing activity.
func (c *Client) UpdateActivity(ctx context.Context, domain, token string, id int64, in engine.ActivityInput) error {
	var out struct {
		Success bool `json:"success"`
	}
	body := activityBody{
		Subject: in.Subject,
		Type:    in.TypeKey,
		DealID:  in.DealID,
		UserID:  in.OwnerID,
		DueDate: in.DueDate,
		Note:    in.Note,
	}
	if in.Done {
		body.Done = 1
	}
	return c.do(ctx, domain, token, http.MethodPut, "/activities/"+strconv.FormatInt(id, 10), body, &out, "update_activity")
}

// DealActivities lists the activities attached to a deal.
func (c *Client) DealActivities(ctx context.Context, domain, token string, dealID int64) ([]engine.Activity, error) {
	var out struct {
		Success bool             `json:"success"`
		Data    []activityRecord `json:"data"`
	}
	path := "/deals/" + strconv.FormatInt(dealID, 10) + "/activities"
	if err := c.do(ctx, domain, token, http.MethodGet, path, nil, &out, "deal_activities"); err != nil {
		return nil, err
	}
	activities := make([]engine.Activity, 0, len(out.Data))
	for _, r := range out.Data {
		activities = append(activities, engine.Activity{
			ID:      r.ID,
			Subject: r.Subject,
			TypeKey: r.Type,
			DueDate: r.DueDate,
			Done:    r.Done,
		})
	}
	return activities, nil
}

func (c *Client) do(ctx context.Context, domain, token, method, path string, body, out interface{}, operation string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return engine.E(engine.KindInvariant, "encode CRM request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := fmt.Sprintf(c.baseTemplate, domain) + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return engine.E(engine.KindInvariant, "build CRM request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		prometheus.RecordOutboundCall(platformName, operation, "error")
		return engine.E(engine.KindTransient, "CRM request failed: "+operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		prometheus.RecordOutboundCall(platformName, operation, "error")
		return engine.E(engine.KindTransient, "read CRM response: "+operation, err)
	}

	if resp.StatusCode >= 400 {
		prometheus.RecordOutboundCall(platformName, operation, strconv.Itoa(resp.StatusCode))
		msg := fmt.Sprintf("CRM %s returned %d: %s", operation, resp.StatusCode, truncate(raw))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return engine.E(engine.KindCredential, msg, nil)
		case resp.StatusCode >= 500:
			return engine.E(engine.KindTransient, msg, nil)
		default:
			return engine.E(engine.KindValidation, msg, nil)
		}
	}

	prometheus.RecordOutboundCall(platformName, operation, "ok")
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return engine.E(engine.KindTransient, "decode CRM response: "+operation, err)
		}
	}
	return nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
