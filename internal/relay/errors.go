package relay

import "fmt"

// Kind classifies a relay error per SPEC_FULL.md §7, so that transport-level
// responses and outbound protocol events are derived from a single switch
// rather than by matching error strings.
type Kind int

const (
	// KindUnknown is the zero value; it should never be surfaced.
	KindUnknown Kind = iota

	// Handshake-only kinds; close the connection with the matching code.
	KindAuthRequired
	KindAuthFailed
	KindAuthTransient

	// Per-request kinds; reported as a typed error event, connection stays open.
	KindInvalidArgument
	KindLimitExceeded
	KindAlreadyOpen
	KindUnknownTarget
	KindBusUnavailable
	KindUpstreamShellError

	// KindFatal is a transport-level failure; it tears down the Client Session.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindAuthRequired:
		return "authentication_required"
	case KindAuthFailed:
		return "authentication_failed"
	case KindAuthTransient:
		return "authentication_error"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindAlreadyOpen:
		return "already_open"
	case KindUnknownTarget:
		return "unknown_target"
	case KindBusUnavailable:
		return "bus_unavailable"
	case KindUpstreamShellError:
		return "upstream_shell_error"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by every relay component.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds a relay Error, optionally wrapping a cause.
func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindFatal for anything
// not already a *Error (an unclassified failure is treated as fatal to the
// connection, per §7's propagation policy).
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if re, ok := err.(*Error); ok {
		return re.Kind
	}
	return KindFatal
}

// messageOf returns the client-facing message for err: the bare Message
// field of a *Error, never the Kind-prefixed Error() string (§8's outbound
// error events carry only the message, not the kind prefix used in logs).
func messageOf(err error) string {
	if re, ok := err.(*Error); ok {
		return re.Message
	}
	return err.Error()
}
