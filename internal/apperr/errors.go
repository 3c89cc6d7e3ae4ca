// Package apperr holds the error taxonomy shared by the relay and the notebook agent.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrCorrupted     = errors.New("page history corrupted")
	ErrCausalGap     = errors.New("causal gap")
	ErrRejected      = errors.New("rejected")
	ErrClosed        = errors.New("closed")
)

// Status maps err to the HTTP status a relay method reports for it.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrCorrupted):
		return http.StatusConflict
	case errors.Is(err, ErrRejected):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus reverses Status for the client side. Quota failures share 403 with
// ErrForbidden and are told apart by message.
func FromStatus(status int, msg string) error {
	var base error
	switch status {
	case http.StatusBadRequest:
		base = ErrInvalidInput
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = ErrForbidden
		if strings.Contains(msg, ErrQuotaExceeded.Error()) {
			base = ErrQuotaExceeded
		}
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		base = ErrConflict
		switch {
		case strings.Contains(msg, ErrCorrupted.Error()):
			base = ErrCorrupted
		case strings.Contains(msg, ErrAlreadyExists.Error()):
			base = ErrAlreadyExists
		}
	case http.StatusGone:
		base = ErrRejected
	default:
		return errors.New(msg)
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	return &remoteError{base: base, msg: msg}
}

type remoteError struct {
	base error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.base }
