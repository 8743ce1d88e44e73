package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"calsync/internal/calendly"
	"calsync/internal/crm"
	"calsync/internal/middleware"
	"calsync/internal/model"
	"calsync/internal/oauth"
	"calsync/internal/store"
	"calsync/pkg/config"
	"calsync/pkg/jwtutil"
	"calsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// identityCookieTTL bounds the OAuth handoff window between the CRM callback
// and the scheduling callback.
const identityCookieTTL = 600

// webhookEvents are the notification types the service subscribes to.
var webhookEvents = []string{"invitee.created", "invitee.canceled"}

// OAuthHandler drives the two-leg linking flow: first the CRM account, then
// the scheduling account, ending on the tenant's success page.
type OAuthHandler struct {
	cfg       *config.Config
	crmBridge *oauth.Bridge
	calBridge *oauth.Bridge
	crm       *crm.Client
	cal       *calendly.Client
	tenants   *store.TenantStore
	mappings  *store.MappingStore
	sessions  *jwtutil.Manager
}

// NewOAuthHandler wires the handler's collaborators.
func NewOAuthHandler(cfg *config.Config, crmBridge, calBridge *oauth.Bridge, crmClient *crm.Client, calClient *calendly.Client, tenants *store.TenantStore, mappings *store.MappingStore, sessions *jwtutil.Manager) *OAuthHandler {
	return &OAuthHandler{
		cfg:       cfg,
		crmBridge: crmBridge,
		calBridge: calBridge,
		crm:       crmClient,
		cal:       calClient,
		tenants:   tenants,
		mappings:  mappings,
		sessions:  sessions,
	}
}

// CRMLogin starts the CRM authorization flow.
func (h *OAuthHandler) CRMLogin(c echo.Context) error {
	state := uuid.New().String()
	return c.Redirect(http.StatusFound, h.crmBridge.AuthorizeURL(state))
}

// CRMCallback finishes the CRM leg: exchanges the code, provisions the tenant
// and principal, syncs the activity type catalog, and hands off to the
// scheduling authorization.
func (h *OAuthHandler) CRMCallback(c echo.Context) error {
	log := logger.FromContext(c)
	ctx := c.Request().Context()

	code := c.QueryParam("code")
	if code == "" {
		return h.linkError(c, "CRM authorization was denied")
	}

	creds, err := h.crmBridge.Exchange(ctx, code)
	if err != nil {
		log.Warn("CRM code exchange failed", zap.Error(err))
		return h.linkError(c, "CRM authorization failed")
	}

	domain := companyDomain(creds.Domain)
	if domain == "" {
		log.Warn("CRM token response carried no usable domain", zap.String("api_domain", creds.Domain))
		return h.linkError(c, "CRM account domain could not be determined")
	}

	crmUser, err := h.crm.CurrentUser(ctx, domain, creds.AccessToken)
	if err != nil {
		log.Warn("CRM current-user lookup failed", zap.Error(err))
		return h.linkError(c, "CRM account lookup failed")
	}

	tenant, err := h.tenants.UpsertTenant(ctx, domain)
	if err != nil {
		log.Error("tenant upsert failed", zap.String("domain", domain), zap.Error(err))
		return h.linkError(c, "could not provision the account")
	}

	user, err := h.tenants.UpsertUser(ctx, tenant.ID, crmUser.ID, crmUser.Email, crmUser.Name, creds)
	if err != nil {
		log.Error("user upsert failed", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
		return h.linkError(c, "could not provision the account")
	}

	// Catalog sync is best-effort here; the config API can refresh it later.
	if err := h.syncActivityTypes(c, tenant.ID, domain, creds.AccessToken); err != nil {
		log.Warn("activity type sync failed during linking", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
	}

	h.setIdentityCookies(c, user)

	log.Info("CRM account linked",
		zap.Uint("tenant_id", tenant.ID),
		zap.Uint("user_id", user.ID),
		zap.String("domain", domain))

	state := uuid.New().String()
	return c.Redirect(http.StatusFound, h.calBridge.AuthorizeURL(state))
}

// CalendlyCallback finishes the scheduling leg: exchanges the code, links the
// scheduling account to the principal from the handoff cookie, syncs the event
// type catalog, and registers the webhook subscription.
func (h *OAuthHandler) CalendlyCallback(c echo.Context) error {
	log := logger.FromContext(c)
	ctx := c.Request().Context()

	cookie, err := c.Cookie(middleware.IdentityCookie)
	if err != nil || cookie.Value == "" {
		return h.linkError(c, "linking session expired, start over from the CRM login")
	}
	uid, err := strconv.ParseUint(cookie.Value, 10, 32)
	if err != nil {
		return h.linkError(c, "linking session is invalid, start over from the CRM login")
	}
	userID := uint(uid)

	user, err := h.tenants.UserByID(ctx, userID)
	if err != nil {
		return h.linkError(c, "linking session names an unknown account")
	}

	code := c.QueryParam("code")
	if code == "" {
		return h.linkError(c, "scheduling authorization was denied")
	}

	creds, err := h.calBridge.Exchange(ctx, code)
	if err != nil {
		log.Warn("scheduling code exchange failed", zap.Error(err))
		return h.linkError(c, "scheduling authorization failed")
	}

	calUser, err := h.cal.CurrentUser(ctx, creds.AccessToken)
	if err != nil {
		log.Warn("scheduling current-user lookup failed", zap.Error(err))
		return h.linkError(c, "scheduling account lookup failed")
	}

	account := &model.SchedulingAccount{
		UserID:       user.ID,
		URI:          calUser.URI,
		Email:        calUser.Email,
		Name:         calUser.Name,
		OrgURI:       calUser.OrgURI,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenExpiry:  creds.ExpiresAt,
	}
	if err := h.tenants.LinkSchedulingAccount(ctx, account); err != nil {
		log.Error("scheduling account link failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return h.linkError(c, "could not link the scheduling account")
	}
	if err := h.tenants.SetTenantOrgURI(ctx, user.TenantID, calUser.OrgURI); err != nil {
		log.Error("tenant org update failed", zap.Uint("tenant_id", user.TenantID), zap.Error(err))
		return h.linkError(c, "could not link the scheduling account")
	}

	if err := h.syncEventTypes(c, user.TenantID, creds.AccessToken, calUser.OrgURI); err != nil {
		log.Warn("event type sync failed during linking", zap.Uint("tenant_id", user.TenantID), zap.Error(err))
	}

	// Webhook registration is best-effort: Calendly rejects duplicate
	// subscriptions for the same URL with a 4xx, which is fine on re-link.
	callbackURL := strings.TrimRight(h.cfg.Server.BaseURL, "/") + "/webhooks/calendly"
	err = h.cal.CreateWebhookSubscription(ctx, creds.AccessToken, calUser.OrgURI, callbackURL, webhookEvents, h.cfg.Calendly.WebhookSigningKey)
	if err != nil {
		log.Warn("webhook subscription registration failed",
			zap.Uint("tenant_id", user.TenantID), zap.Error(err))
	}

	log.Info("scheduling account linked",
		zap.Uint("tenant_id", user.TenantID),
		zap.Uint("user_id", user.ID),
		zap.String("org_uri", calUser.OrgURI))

	return c.Redirect(http.StatusFound, h.cfg.Server.SuccessURL)
}

func (h *OAuthHandler) syncActivityTypes(c echo.Context, tenantID uint, domain, token string) error {
	remote, err := h.crm.ActivityTypes(c.Request().Context(), domain, token)
	if err != nil {
		return err
	}
	types := make([]model.ActivityType, 0, len(remote))
	for _, t := range remote {
		if !t.ActiveAt {
			continue
		}
		types = append(types, model.ActivityType{
			RemoteID: t.ID,
			Key:      t.KeyStr,
			Name:     t.Name,
		})
	}
	return h.mappings.ReplaceActivityTypes(c.Request().Context(), tenantID, types)
}

func (h *OAuthHandler) syncEventTypes(c echo.Context, tenantID uint, token, orgURI string) error {
	remote, err := h.cal.EventTypes(c.Request().Context(), token, orgURI)
	if err != nil {
		return err
	}
	types := make([]model.EventType, 0, len(remote))
	for _, t := range remote {
		types = append(types, model.EventType{
			URI:  t.URI,
			Name: t.Name,
		})
	}
	return h.mappings.ReplaceEventTypes(c.Request().Context(), tenantID, types)
}

func (h *OAuthHandler) setIdentityCookies(c echo.Context, user *model.User) {
	secure := h.cfg.Server.Env == "production"

	c.SetCookie(&http.Cookie{
		Name:     middleware.IdentityCookie,
		Value:    strconv.FormatUint(uint64(user.ID), 10),
		Path:     "/",
		MaxAge:   identityCookieTTL,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	token, err := h.sessions.Issue(user.ID, user.TenantID, user.Email)
	if err != nil {
		logger.FromContext(c).Warn("session token issue failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return
	}
	c.SetCookie(&http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cfg.Session.TTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *OAuthHandler) linkError(c echo.Context, message string) error {
	target := h.cfg.Server.ErrorURL
	if strings.Contains(target, "?") {
		target += "&message=" + url.QueryEscape(message)
	} else {
		target += "?message=" + url.QueryEscape(message)
	}
	return c.Redirect(http.StatusFound, target)
}

// companyDomain extracts the account subdomain from the api_domain value in a
// CRM token response, e.g. "https://acme.pipedrive.com" yields "acme".
func companyDomain(apiDomain string) string {
	if apiDomain == "" {
		return ""
	}
	host := apiDomain
	if u, err := url.Parse(apiDomain); err == nil && u.Host != "" {
		host = u.Host
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}
