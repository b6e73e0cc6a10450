package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/stratakv/strata/internal/engine"
	"github.com/stratakv/strata/internal/paging"
)

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

// writeEngineError maps engine failures to HTTP statuses. Capacity
// exhaustion is 507 so clients can tell "free something and retry" apart
// from request mistakes.
func writeEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, paging.ErrOutOfPages):
		return writeError(c, http.StatusInsufficientStorage, "capacity_error", err.Error(), "out_of_pages")
	case errors.Is(err, paging.ErrSeqTooLong):
		return writeError(c, http.StatusUnprocessableEntity, "capacity_error", err.Error(), "seq_too_long")
	case errors.Is(err, engine.ErrNoFreeSlots):
		return writeError(c, http.StatusServiceUnavailable, "capacity_error", err.Error(), "no_free_slots")
	case errors.Is(err, engine.ErrUnknownSequence):
		return writeNotFound(c, err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}
