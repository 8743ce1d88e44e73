package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"calsync/internal/engine"
	"calsync/pkg/logger"
	"calsync/prometheus"

	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// SignatureHeader carries the webhook HMAC in "t=<ts>,v1=<hex>" form.
const SignatureHeader = "Calendly-Webhook-Signature"

// maxNotificationBytes bounds how much of a request body is read before
// signature verification; real notifications are a few KB.
const maxNotificationBytes = 1 << 20

// webhookSchema is the structural contract an inbound notification must meet
// before the engine sees it.
const webhookSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"payload": {
			"type": "object",
			"required": ["uri"],
			"properties": {
				"uri": {"type": "string", "minLength": 1},
				"email": {"type": "string"},
				"rescheduled": {"type": "boolean"},
				"old_invitee": {"type": ["object", "string", "null"]},
				"reschedule_url": {"type": "string"},
				"cancel_url": {"type": "string"},
				"scheduled_event": {
					"type": "object",
					"properties": {
						"event_type": {"type": "string"},
						"event_memberships": {
							"type": "array",
							"items": {
								"type": "object",
								"properties": {"user_email": {"type": "string"}}
							}
						}
					}
				}
			}
		}
	}
}`

// Reconciler is the engine surface the webhook handler drives.
type Reconciler interface {
	HandleNotification(ctx context.Context, n *engine.Notification) (*engine.Outcome, error)
}

// WebhookHandler receives scheduling-platform notifications. Authenticated,
// well-formed notifications are always acknowledged with 200: a configuration
// gap will not be fixed by the platform retrying, so surfacing it as an error
// status would only cause a retry storm. Transient failures return 500 on
// purpose, the platform's redelivery is the retry mechanism.
type WebhookHandler struct {
	reconciler Reconciler
	signingKey string
	schema     *jsonschema.Schema
}

// NewWebhookHandler compiles the payload schema and builds the handler. An
// empty signing key disables signature verification (local development).
func NewWebhookHandler(reconciler Reconciler, signingKey string) (*WebhookHandler, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("webhook.json")
	if err != nil {
		return nil, err
	}
	return &WebhookHandler{reconciler: reconciler, signingKey: signingKey, schema: schema}, nil
}

// Handle processes one inbound notification.
func (h *WebhookHandler) Handle(c echo.Context) error {
	log := logger.FromContext(c)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotificationBytes+1))
	if err != nil {
		return fail(c, http.StatusBadRequest, "could not read request body")
	}
	if len(body) > maxNotificationBytes {
		prometheus.RecordWebhook("unknown", "oversized")
		return fail(c, http.StatusRequestEntityTooLarge, "notification body too large")
	}

	if h.signingKey != "" {
		if !verifySignature(body, c.Request().Header.Get(SignatureHeader), h.signingKey) {
			log.Warn("webhook signature verification failed")
			prometheus.RecordWebhook("unknown", "bad_signature")
			return fail(c, http.StatusUnauthorized, "invalid webhook signature")
		}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		prometheus.RecordWebhook("unknown", "malformed")
		return fail(c, http.StatusBadRequest, "body is not valid JSON")
	}
	if err := h.schema.Validate(doc); err != nil {
		log.Warn("webhook payload failed schema validation", zap.Error(err))
		prometheus.RecordWebhook("unknown", "malformed")
		return fail(c, http.StatusBadRequest, "payload does not match the webhook schema")
	}

	var n engine.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		prometheus.RecordWebhook("unknown", "malformed")
		return fail(c, http.StatusBadRequest, "payload does not match the webhook schema")
	}

	start := time.Now()
	out, err := h.reconciler.HandleNotification(c.Request().Context(), &n)
	if err != nil {
		kind := engine.KindOf(err)
		prometheus.RecordWebhook(n.Event, string(kind))
		switch kind {
		case engine.KindTransient:
			// Non-2xx triggers the platform's redelivery, which is the only
			// retry path for transient faults.
			log.Warn("transient failure processing notification",
				zap.String("event", n.Event), zap.String("uri", n.Payload.URI), zap.Error(err))
			return fail(c, http.StatusInternalServerError, "temporarily unable to process notification")
		case engine.KindInvariant:
			log.Error("invariant violation processing notification",
				zap.String("event", n.Event), zap.String("uri", n.Payload.URI), zap.Error(err))
		case engine.KindNotFound:
			log.Info("notification not applicable",
				zap.String("event", n.Event), zap.String("uri", n.Payload.URI))
		default:
			log.Warn("notification could not be processed",
				zap.String("event", n.Event), zap.String("uri", n.Payload.URI),
				zap.String("kind", string(kind)), zap.Error(err))
		}
		// Acknowledge: retrying a configuration or credential gap changes
		// nothing until the tenant acts.
		return c.JSON(http.StatusOK, echo.Map{
			"handled": false,
			"reason":  string(kind),
		})
	}

	prometheus.ObserveReconcile(string(out.Transition), start)
	prometheus.RecordWebhook(n.Event, "ok")
	return c.JSON(http.StatusOK, echo.Map{
		"handled": true,
		"outcome": out,
	})
}

// verifySignature checks the "t=<ts>,v1=<hex>" header against
// HMAC-SHA256(key, ts + "." + body).
func verifySignature(body []byte, header, key string) bool {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
