// Package errors provides error handling for buzzworker.
//
// It re-exports github.com/cockroachdb/errors and defines the failure taxonomy
// shared by the cache and push subsystems. Callers check failures with Is:
//
//	if errors.Is(err, errors.ErrPermissionDenied) {
//	    // offer a retry affordance
//	}
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithHint     = crdb.WithHint
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark
	Join         = crdb.Join
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

var (
	// ErrPermissionDenied: the user declined or dismissed the notification
	// permission prompt. Terminal for the subscribe attempt.
	ErrPermissionDenied = New("notification permission denied")

	// ErrRegistrationFailed: the worker could not be registered or never
	// reached the active state.
	ErrRegistrationFailed = New("worker registration failed")

	// ErrServerRejected: the API answered a subscription request with a
	// non-2xx status. Use StatusOf to read the status.
	ErrServerRejected = New("server rejected request")

	// ErrNetworkUnavailable: the network failed and no usable cache entry
	// could stand in for it.
	ErrNetworkUnavailable = New("network unavailable")

	// ErrPayloadParse: a push payload was not a JSON object. Always recovered.
	ErrPayloadParse = New("push payload is not a JSON object")

	// ErrAssetFetch: a precache asset could not be fetched. Reported per
	// asset, never aborts install.
	ErrAssetFetch = New("precache asset fetch failed")
)

// StatusError carries the HTTP status of a rejected request.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// ServerRejected builds an error marked as ErrServerRejected.
func ServerRejected(status int, body string) error {
	return Mark(WithStack(&StatusError{Status: status, Body: body}), ErrServerRejected)
}

// StatusOf returns the HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if As(err, &se) {
		return se.Status
	}
	return 0
}
