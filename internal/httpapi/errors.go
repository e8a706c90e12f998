package httpapi

import (
	"errors"
	"net/http"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/broker"
)

var errRateLimited = errors.New("rate limited")

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, parley.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, parley.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, parley.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, parley.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, parley.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, parley.ErrClosed), errors.Is(err, broker.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}
