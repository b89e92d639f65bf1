package cloud

import (
	"errors"
	"fmt"
)

// Kind classifies remote failures by how the caller should react.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindRateLimited         Kind = "rate_limited"
	KindCapacity            Kind = "capacity"
	KindUnsupportedDiskType Kind = "unsupported_disk_type"
	KindNotFound            Kind = "not_found"
	KindUnsupported         Kind = "unsupported"
	KindInvalid             Kind = "invalid"
	KindOther               Kind = "other"
)

// Error is a failed remote call.
type Error struct {
	Op      string
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is, or wraps, a remote error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of a remote error, or KindOther.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Summary returns a short human readable description suitable for showing
// to a user.
func Summary(err error) string {
	switch KindOf(err) {
	case KindAuth:
		return "credentials were rejected by the cloud provider"
	case KindRateLimited:
		return "the cloud provider is rate limiting requests, try again shortly"
	case KindCapacity:
		return "the requested resources are sold out"
	case KindUnsupportedDiskType:
		return "the requested disk type is not available"
	case KindNotFound:
		return "the resource no longer exists"
	case KindUnsupported:
		return "the operation is not supported by this provider"
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
