// Package dcperr defines the status vocabulary shared by every DCP
// connection and stream, and a small wrapper that keeps a cause across
// the channel boundaries the gen-server pattern introduces.
package dcperr

import (
	"fmt"

	mcd "github.com/couchbase/gomemcached"
	"github.com/pkg/errors"
)

// Status mirrors the outcome kinds a DCP operation can report, keeping
// the same flavor as gomemcached's response status codes; WireStatus
// below translates each one to its gomemcached code.
type Status uint8

const (
	// Success indicates the operation completed.
	Success Status = iota
	// WouldBlock indicates a non-fatal pause: empty ready queue, or an
	// exhausted flow-control window. The caller should park and retry
	// once notified.
	WouldBlock
	// Failed is a generic, non-specific failure.
	Failed
	// InvalidArgument indicates a malformed frame or an unrecognized
	// control key; no stream is torn down as a result.
	InvalidArgument
	// TempFail indicates memory pressure on the consumer side; the
	// caller should buffer and retry.
	TempFail
	// TooBig indicates the outgoing message exceeded the transport's
	// frame limit.
	TooBig
	// Disconnect indicates an unrecoverable protocol violation or a
	// policy escalation (e.g. ephemeral fail-new-data beyond threshold).
	Disconnect
	// RollbackRequired is a normal streamRequest outcome, not an error:
	// the caller must restart with the accompanying rollback seqno.
	RollbackRequired
	// NotSupported indicates a capability the connection never
	// negotiated.
	NotSupported
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case WouldBlock:
		return "would_block"
	case Failed:
		return "failed"
	case InvalidArgument:
		return "invalid_argument"
	case TempFail:
		return "temp_fail"
	case TooBig:
		return "too_big"
	case Disconnect:
		return "disconnect"
	case RollbackRequired:
		return "rollback_required"
	case NotSupported:
		return "not_supported"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// WireStatus translates s into the matching
// github.com/couchbase/gomemcached response-status code, for
// front-ends that log or frame a reply in terms of the real protocol's
// vocabulary. ok is false for statuses that never travel as a wire
// status byte themselves: WouldBlock causes the caller to park rather
// than reply, and Disconnect tears the connection down without
// sending a final status.
func (s Status) WireStatus() (mcd.Status, bool) {
	switch s {
	case Success:
		return mcd.SUCCESS, true
	case InvalidArgument:
		return mcd.EINVAL, true
	case TempFail:
		return mcd.TMPFAIL, true
	case TooBig:
		return mcd.E2BIG, true
	case RollbackRequired:
		return mcd.ROLLBACK, true
	case NotSupported:
		return mcd.NOT_SUPPORTED, true
	case Failed:
		return mcd.EINTERNAL, true
	default:
		return 0, false
	}
}

// Error pairs a Status with an optional underlying cause. A rollback
// seqno is deliberately never wrapped in an Error — it travels as an
// out parameter, never as an error value.
type Error struct {
	status Status
	cause  error
}

// New creates an Error carrying status and no further detail.
func New(status Status) *Error {
	return &Error{status: status}
}

// Wrap attaches status to cause, preserving cause for errors.Cause.
func Wrap(status Status, cause error) *Error {
	if cause == nil {
		return New(status)
	}
	return &Error{status: status, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.status.String()
	}
	return fmt.Sprintf("%s: %v", e.status, e.cause)
}

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.cause }

// StatusOf extracts the Status carried by err, defaulting to Failed for
// any error that didn't originate from this package.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var de *Error
	if errors.As(err, &de) {
		return de.status
	}
	return Failed
}

// Is reports whether err carries the given status.
func Is(err error, status Status) bool {
	return StatusOf(err) == status
}
