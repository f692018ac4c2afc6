// Package xerrors is the small typed-error taxonomy every subsystem wraps
// its failures in: TransportError, ProtocolError, AuthError, ApiError,
// StateError, ConfigError. Each wraps an underlying cause and carries a Kind
// so callers can branch with errors.As instead of string matching.
package xerrors

import "fmt"

// Kind classifies an error for the propagation-policy decisions described
// in the error handling design: some kinds trigger reconnect/backoff, some
// are fatal to a connection, some are just logged and dropped.
type Kind int

const (
	Transport Kind = iota
	Protocol
	Auth
	Api
	State
	Config
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Auth:
		return "auth"
	case Api:
		return "api"
	case State:
		return "state"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Error is the concrete wrapped-error type. Use the Kind-specific
// constructors below rather than building one directly.
type Error struct {
	Kind   Kind
	Op     string // the operation that failed, e.g. "exchange.PostOrders"
	Status int    // HTTP status, only meaningful for Kind == Api
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == Api {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps a network/timeout/handshake failure. Retryable at the
// WebSocket layer via reconnect backoff; bubbled to the caller at REST.
func NewTransport(op string, err error) *Error {
	return &Error{Kind: Transport, Op: op, Err: err}
}

// NewProtocol wraps a malformed frame or schema mismatch. Logged; the
// single event is dropped; the connection is retained.
func NewProtocol(op string, err error) *Error {
	return &Error{Kind: Protocol, Op: op, Err: err}
}

// NewAuth wraps a credential rejection. Fatal for the affected connection:
// no implicit retry, halted_flag set, reconnect disabled until operator
// intervenes.
func NewAuth(op string, err error) *Error {
	return &Error{Kind: Auth, Op: op, Err: err}
}

// NewApi wraps a business rejection from REST (e.g. not_canceled). Neither
// retried nor connection-affecting; surfaced in an ExecutorResult.
func NewApi(op string, status int, body string) *Error {
	return &Error{Kind: Api, Op: op, Status: status, Err: fmt.Errorf("%s", body)}
}

// NewState wraps an invalid state transition (e.g. a failed
// compare-and-swap on connection state). Logged; the losing caller retries.
func NewState(op string, err error) *Error {
	return &Error{Kind: State, Op: op, Err: err}
}

// NewConfig wraps a fatal startup configuration error.
func NewConfig(op string, err error) *Error {
	return &Error{Kind: Config, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given kind, so call sites can
// write `if xerrors.Is(err, xerrors.Auth) { ... }`.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
