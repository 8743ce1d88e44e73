package handler

import (
	"net/http"

	"calsync/internal/engine"

	"github.com/labstack/echo/v4"
)

// envelope is the uniform API response shape.
type envelope struct {
	Success bool        `json:"success"`
	Error   *string     `json:"error"`
	Data    interface{} `json:"data"`
}

func ok(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, envelope{Success: false, Error: &message})
}

// statusForKind maps the engine's error taxonomy onto HTTP statuses for the
// config/panel API.
func statusForKind(kind engine.Kind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindConfiguration:
		return http.StatusUnprocessableEntity
	case engine.KindCredential:
		return http.StatusUnauthorized
	case engine.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func failErr(c echo.Context, err error) error {
	return fail(c, statusForKind(engine.KindOf(err)), err.Error())
}
