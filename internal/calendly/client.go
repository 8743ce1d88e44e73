// Package calendly wraps the scheduling platform's REST API: current-user
// lookup, event type listing, and webhook subscription management.
package calendly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"calsync/internal/engine"
	"calsync/prometheus"
)

const platformName = "calendly"

// Client is the scheduling platform API client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client with a bounded request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// User is the scheduling platform's user record.
type User struct {
	URI    string `json:"uri"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	OrgURI string `json:"current_organization"`
}

// EventType is one bookable event type.
type EventType struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// CurrentUser fetches the authenticated scheduling user.
func (c *Client) CurrentUser(ctx context.Context, token string) (User, error) {
	var out struct {
		Resource User `json:"resource"`
	}
	if err := c.do(ctx, token, http.MethodGet, "/users/me", nil, &out, "current_user"); err != nil {
		return User{}, err
	}
	return out.Resource, nil
}

// EventTypes lists the organization's event types.
func (c *Client) EventTypes(ctx context.Context, token, orgURI string) ([]EventType, error) {
	var out struct {
		Collection []EventType `json:"collection"`
	}
	path := "/event_types?" + url.Values{"organization": {orgURI}, "count": {"100"}}.Encode()
	if err := c.do(ctx, token, http.MethodGet, path, nil, &out, "event_types"); err != nil {
		return nil, err
	}
	return out.Collection, nil
}

// CreateWebhookSubscription registers the callback URL for the given events
// at organization scope.
func (c *Client) CreateWebhookSubscription(ctx context.Context, token, orgURI, callbackURL string, events []string, signingKey string) error {
	body := map[string]interface{}{
		"url":          callbackURL,
		"events":       events,
		"organization": orgURI,
		"scope":        "organization",
	}
	if signingKey != "" {
		body["signing_key"] = signingKey
	}
	return c.do(ctx, token, http.MethodPost, "/webhook_subscriptions", body, nil, "create_webhook")
}

func (c *Client) do(ctx context.Context, token, method, path string, body, out interface{}, operation string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return engine.E(engine.KindInvariant, "encode scheduling request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return engine.E(engine.KindInvariant, "build scheduling request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		prometheus.RecordOutboundCall(platformName, operation, "error")
		return engine.E(engine.KindTransient, "scheduling request failed: "+operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		prometheus.RecordOutboundCall(platformName, operation, "error")
		return engine.E(engine.KindTransient, "read scheduling response: "+operation, err)
	}

	if resp.StatusCode >= 400 {
		prometheus.RecordOutboundCall(platformName, operation, strconv.Itoa(resp.StatusCode))
		msg := fmt.Sprintf("scheduling %s returned %d", operation, resp.StatusCode)
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
			return engine.E(engine.KindTransient, "decode scheduling response: "+operation, err)
		}
	}
	return nil
}
