// Package errs provides the daemon's flat error-kind taxonomy.
//
// Propagation across goroutines and across the SV1/SV2 boundary needs a
// clonable, comparable representation — a plain error interface chain does
// not survive being copied onto a result channel and back. Kind is that
// representation; Source is kept only for logging/diagnostics and must
// never be inspected for control flow.
package errs

import "fmt"

// Kind is the taxonomy named in the error handling design: each value is a
// class of failure with its own recovery policy, not a specific message.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindProtocol
	KindConnection
	KindNetwork
	KindIO
	KindBitcoinRPC
	KindInvalidShare
	KindAuthentication
	KindAuthorization
	KindTemplate
	KindInternal
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProtocol:
		return "protocol"
	case KindConnection:
		return "connection"
	case KindNetwork:
		return "network"
	case KindIO:
		return "io"
	case KindBitcoinRPC:
		return "bitcoin_rpc"
	case KindInvalidShare:
		return "invalid_share"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindTemplate:
		return "template"
	case KindInternal:
		return "internal"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ShareReason enumerates the specific semantic reasons spec.md §7 requires
// for InvalidShare, so a miner-facing message can be precise without
// inventing a new error type per reason.
type ShareReason int

const (
	ReasonNone ShareReason = iota
	ReasonInvalidDifficulty
	ReasonInvalidTimestamp
	ReasonInvalidNonce
	ReasonInvalidTarget
	ReasonDuplicateShare
	ReasonExpiredTemplate
	ReasonInsufficientWork
	ReasonMalformedData
	ReasonTemplateNotFound
)

func (r ShareReason) String() string {
	switch r {
	case ReasonInvalidDifficulty:
		return "invalid_difficulty"
	case ReasonInvalidTimestamp:
		return "invalid_timestamp"
	case ReasonInvalidNonce:
		return "invalid_nonce"
	case ReasonInvalidTarget:
		return "invalid_target"
	case ReasonDuplicateShare:
		return "duplicate_share"
	case ReasonExpiredTemplate:
		return "expired_template"
	case ReasonInsufficientWork:
		return "insufficient_work"
	case ReasonMalformedData:
		return "malformed_data"
	case ReasonTemplateNotFound:
		return "template_not_found"
	default:
		return "none"
	}
}

// Error is the daemon's single error type. Reason is only meaningful when
// Kind == KindInvalidShare.
type Error struct {
	Kind    Kind
	Reason  ShareReason
	Message string
	Source  error
}

func (e *Error) Error() string {
	if e.Kind == KindInvalidShare && e.Reason != ReasonNone {
		if e.Message == "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
		}
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Message)
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Source }

// New builds a kind-only error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a source error to a kind for diagnostics.
func Wrap(kind Kind, message string, source error) *Error {
	return &Error{Kind: kind, Message: message, Source: source}
}

// Share builds an InvalidShare error carrying a specific semantic reason.
func Share(reason ShareReason, message string) *Error {
	return &Error{Kind: KindInvalidShare, Reason: reason, Message: message}
}

// Authentication builds a KindAuthentication error (identity not established).
func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

// Authorization builds a KindAuthorization error (identity established,
// action not permitted).
func Authorization(message string) *Error {
	return &Error{Kind: KindAuthorization, Message: message}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// ShareReasonOf extracts the ShareReason from err, if any.
func ShareReasonOf(err error) (ShareReason, bool) {
	e, ok := err.(*Error)
	if !ok || e.Kind != KindInvalidShare {
		return ReasonNone, false
	}
	return e.Reason, true
}
