package server

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"patternscan/internal/errors"
	"patternscan/internal/logging"
)

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c echo.Context, err error) error {
	var (
		rl   *errors.RateLimitError
		verr *errors.ValidationError
		derr *errors.DataError
	)
	switch {
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		s.deps.Metrics.RecordRateLimited(rl.Operation)
		return c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited", RetryAfter: secs})
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, errorBody{Error: verr.Message, Code: "invalid_request", Field: verr.Field})
	case errors.Is(err, errors.ErrUnsupportedPattern),
		errors.Is(err, errors.ErrUnsupportedUniverse),
		errors.Is(err, errors.ErrUnsupportedInterval),
		errors.Is(err, errors.ErrUnsupportedProvider):
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "unsupported"})
	case errors.Is(err, errors.ErrRunNotFound), errors.Is(err, errors.ErrDataNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, errors.ErrSymbolNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: "symbol_not_found"})
	case errors.As(err, &derr):
		return c.JSON(http.StatusBadGateway, errorBody{Error: err.Error(), Code: "upstream"})
	}

	log := logging.FromRequest(c.Request().Context(), s.logger)
	log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
}
