package errcode

import (
	"errors"
	"net/http"
)

// Code is a stable, boundary-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	OutOfRange     Code = "out_of_range"
	NotFound       Code = "not_found"
	Unavailable    Code = "unavailable"
	Timeout        Code = "timeout"

	// 1-Wire / sensor
	NoPresence     Code = "no_presence"
	CRCMismatch    Code = "crc_mismatch"
	BusStuck       Code = "bus_stuck"
	FamilyMismatch Code = "family_mismatch"
	NoSensors      Code = "no_sensors"

	Error Code = "error" // generic fallback
)

// E keeps an operation name, message and cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap returns nil for a nil cause.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Msg: err.Error(), Err: err}
}

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}

// HTTPStatus maps a code onto the status a handler should answer with.
func HTTPStatus(c Code) int {
	switch c {
	case OK:
		return http.StatusOK
	case InvalidParams, InvalidPayload, OutOfRange:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unavailable, NoSensors:
		return http.StatusServiceUnavailable
	case Busy:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case Unsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
