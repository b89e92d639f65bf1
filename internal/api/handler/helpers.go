package handler

import (
	"errors"
	"net/http"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/tracker"
)

// statusFor maps a command error to the HTTP status returned by the
// synchronous endpoints.
func statusFor(err error) int {
	var verr *tracker.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	if errors.Is(err, tracker.ErrNoCapacity) {
		return http.StatusConflict
	}

	var cerr *cloud.Error
	if !errors.As(err, &cerr) {
		return http.StatusInternalServerError
	}
	switch cerr.Kind {
	case cloud.KindInvalid:
		return http.StatusBadRequest
	case cloud.KindNotFound:
		return http.StatusNotFound
	case cloud.KindAuth:
		return http.StatusFailedDependency
	case cloud.KindRateLimited:
		return http.StatusTooManyRequests
	case cloud.KindCapacity, cloud.KindUnsupportedDiskType, cloud.KindUnsupported:
		return http.StatusConflict
	}
	return http.StatusBadGateway
}
