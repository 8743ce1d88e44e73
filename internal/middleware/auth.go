package middleware

import (
	"context"
	"net/http"
	"strings"

	"calsync/internal/model"
	"calsync/pkg/jwtutil"
	"calsync/pkg/logger"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// IdentityCookie is the short-lived plaintext cookie set during the OAuth
// handoff between the CRM and scheduling callbacks.
const IdentityCookie = "calsync_uid"

// SessionCookie carries the signed session token for the config/panel API.
const SessionCookie = "calsync_session"

// UserLoader resolves a principal id to its stored row.
type UserLoader interface {
	UserByID(ctx context.Context, id uint) (*model.User, error)
}

// Session authenticates config/panel API requests. A bearer token or session
// cookie is validated against the signing key. The plaintext identity cookie
// is never accepted here: it is forgeable and scoped to the OAuth handoff
// between the two callbacks, and the CRM callback issues a signed session
// cookie in the same response.
func Session(users UserLoader, sessions *jwtutil.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.FromContext(c)

			userID, ok := sessionUserID(c, sessions)
			if !ok {
				log.Warn("unauthenticated API request", zap.String("path", c.Path()))
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"success": false,
					"error":   "authentication required",
					"data":    nil,
				})
			}

			user, err := users.UserByID(c.Request().Context(), userID)
			if err != nil {
				log.Warn("session names an unknown principal", zap.Uint("user_id", userID))
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"success": false,
					"error":   "unknown principal",
					"data":    nil,
				})
			}

			c.Set("user", user)
			c.Set("logger", log.With(
				zap.Uint("user_id", user.ID),
				zap.Uint("tenant_id", user.TenantID),
			))
			return next(c)
		}
	}
}

// CurrentUser returns the principal resolved by the Session middleware.
func CurrentUser(c echo.Context) (*model.User, bool) {
	user, ok := c.Get("user").(*model.User)
	return user, ok
}

func sessionUserID(c echo.Context, sessions *jwtutil.Manager) (uint, bool) {
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		if claims, err := sessions.Validate(authHeader[7:]); err == nil {
			return claims.UserID, true
		}
		return 0, false
	}

	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		if claims, err := sessions.Validate(cookie.Value); err == nil {
			return claims.UserID, true
		}
	}
	return 0, false
}
