package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"calsync/internal/engine"
	"calsync/prometheus"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// expirySkew is subtracted from the stored expiry so a token about to lapse
// mid-request is refreshed up front.
const expirySkew = 30 * time.Second

// Platform describes one OAuth provider's token endpoint. The bridge itself is
// written once; CRM and scheduling differ only in this descriptor and in the
// CredentialSource behind it.
type Platform struct {
	Name         string
	TokenURL     string
	AuthorizeURL string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// BasicAuth sends client credentials in the Authorization header rather
	// than the form body.
	BasicAuth bool
}

// Credentials is one stored token pair with its expiry.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// Domain and Owner are provider extras returned alongside a code
	// exchange: the CRM's account domain, the scheduler's user URI.
	Domain string
	Owner  string
}

// CredentialSource loads and persists the token pair for a principal.
type CredentialSource interface {
	Load(ctx context.Context, principalID uint) (Credentials, error)
	Save(ctx context.Context, principalID uint, creds Credentials) error
}

// Bridge guarantees a valid access token for a principal before any outbound
// call, refreshing and persisting on demand. Concurrent refreshes for the
// same principal coalesce into a single in-flight exchange so a single-use
// refresh token family is never double-spent.
type Bridge struct {
	platform Platform
	source   CredentialSource
	http     *http.Client
	group    singleflight.Group
	now      func() time.Time
	log      *zap.Logger
}

// NewBridge constructs a Bridge for one platform.
func NewBridge(platform Platform, source CredentialSource, log *zap.Logger) *Bridge {
	return &Bridge{
		platform: platform,
		source:   source,
		http:     &http.Client{Timeout: 15 * time.Second},
		now:      time.Now,
		log:      log,
	}
}

// EnsureValid returns an unexpired access token for the principal. A cached
// token is returned unchanged; an expired one triggers exactly one refresh
// exchange even under concurrent callers. Refresh failures are surfaced as
// credential errors and must not be retried automatically: a revoked token
// requires re-authorization.
func (b *Bridge) EnsureValid(ctx context.Context, principalID uint) (string, error) {
	creds, err := b.source.Load(ctx, principalID)
	if err != nil {
		return "", err
	}
	if !b.expired(creds) {
		return creds.AccessToken, nil
	}

	key := b.platform.Name + "/" + strconv.FormatUint(uint64(principalID), 10)
	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		// Reload inside the flight: a refresh that just landed under this key
		// makes this call a no-op.
		creds, err := b.source.Load(ctx, principalID)
		if err != nil {
			return "", err
		}
		if !b.expired(creds) {
			return creds.AccessToken, nil
		}

		refreshed, err := b.refresh(ctx, creds.RefreshToken)
		if err != nil {
			prometheus.RecordTokenRefresh(b.platform.Name, "failed")
			b.log.Warn("token refresh failed",
				zap.String("platform", b.platform.Name),
				zap.Uint("principal_id", principalID),
				zap.Error(err))
			return "", err
		}

		// Last writer wins; refresh is idempotent per principal.
		if err := b.source.Save(ctx, principalID, refreshed); err != nil {
			return "", err
		}
		prometheus.RecordTokenRefresh(b.platform.Name, "ok")
		b.log.Info("token refreshed",
			zap.String("platform", b.platform.Name),
			zap.Uint("principal_id", principalID))
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Exchange trades an authorization code for a token pair (the OAuth callback
// flow).
func (b *Bridge) Exchange(ctx context.Context, code string) (Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", b.platform.RedirectURI)
	return b.tokenRequest(ctx, form)
}

// AuthorizeURL builds the provider's authorization redirect for the given
// state value.
func (b *Bridge) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", b.platform.ClientID)
	q.Set("redirect_uri", b.platform.RedirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	return b.platform.AuthorizeURL + "?" + q.Encode()
}

func (b *Bridge) refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	if refreshToken == "" {
		return Credentials{}, engine.E(engine.KindCredential,
			b.platform.Name+" credential refresh failed: no refresh token stored", nil)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return b.tokenRequest(ctx, form)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	APIDomain    string `json:"api_domain"`
	Owner        string `json:"owner"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b *Bridge) tokenRequest(ctx context.Context, form url.Values) (Credentials, error) {
	if !b.platform.BasicAuth {
		form.Set("client_id", b.platform.ClientID)
		form.Set("client_secret", b.platform.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.platform.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, engine.E(engine.KindCredential, b.platform.Name+" credential refresh failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if b.platform.BasicAuth {
		req.SetBasicAuth(b.platform.ClientID, b.platform.ClientSecret)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return Credentials{}, engine.E(engine.KindCredential, b.platform.Name+" credential refresh failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credentials{}, engine.E(engine.KindCredential, b.platform.Name+" credential refresh failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		var terr tokenError
		if jerr := json.Unmarshal(body, &terr); jerr == nil && terr.Error != "" {
			return Credentials{}, engine.E(engine.KindCredential,
				fmt.Sprintf("%s credential refresh failed: %s - %s", b.platform.Name, terr.Error, terr.ErrorDescription), nil)
		}
		return Credentials{}, engine.E(engine.KindCredential,
			fmt.Sprintf("%s credential refresh failed: status %d", b.platform.Name, resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credentials{}, engine.E(engine.KindCredential, b.platform.Name+" credential refresh failed: bad token response", err)
	}
	if tr.AccessToken == "" {
		return Credentials{}, engine.E(engine.KindCredential, b.platform.Name+" credential refresh failed: empty access token", nil)
	}

	return Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    b.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Domain:       tr.APIDomain,
		Owner:        tr.Owner,
	}, nil
}

func (b *Bridge) expired(c Credentials) bool {
	return !b.now().Add(expirySkew).Before(c.ExpiresAt)
}
