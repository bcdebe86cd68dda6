package qverrors

import (
	"context"
	"errors"

	"github.com/qsafevault/qsafevault-server/store"
)

// CodeOf extracts the stable Code from err, or internal_error when err carries none.
func CodeOf(err error) Code {
	var qe *Error
	if errors.As(err, &qe) && qe.Code != "" {
		return qe.Code
	}
	return CodeInternalError
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// ClassifyStoreCode maps a store read error to the operation's absent/stale code pair.
//
// The second return is false for errors that are not store lookup outcomes
// (I/O failures, cancellation), which callers report as internal.
func ClassifyStoreCode(err error, absent Code, stale Code) (Code, bool) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return absent, true
	case errors.Is(err, store.ErrExpired):
		return stale, true
	default:
		return "", false
	}
}

// ClassifyContextCode maps cancellation to internal_error and keeps fallback otherwise.
func ClassifyContextCode(err error, fallback Code) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeInternalError
	default:
		return fallback
	}
}
