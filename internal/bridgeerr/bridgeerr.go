// Package bridgeerr models the bridge's closed error taxonomy
// as a typed error kind, so that every layer can switch on Kind rather than
// sniffing error strings.
package bridgeerr

import "fmt"

// Kind is one of the taxonomy's closed set of error kinds.
type Kind string

const (
	ServerUnknown      Kind = "ServerUnknown"
	ParseError         Kind = "ParseError"
	PathEscape         Kind = "PathEscape"
	CapacityExceeded   Kind = "CapacityExceeded"
	AdapterSpawnFailed Kind = "AdapterSpawnFailed"
	AdapterTerminated  Kind = "AdapterTerminated"
	Timeout            Kind = "Timeout"
	UpstreamError      Kind = "UpstreamError"
)

// Error carries a taxonomy Kind plus a human-readable message. Internal
// detail (stack traces, raw subprocess stderr) is logged by the caller, not
// embedded in Message, which is what crosses the HTTP/JSON-RPC boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, retaining err for Unwrap and
// internal logging but not for the client-facing Message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts a *Error from err, if any, mirroring errors.As's ergonomics
// without pulling in a switch at every call site.
func As(err error) (*Error, bool) {
	be, ok := err.(*Error)
	return be, ok
}

// HTTPStatus maps a Kind to its assigned HTTP status. Kinds
// whose natural propagation is a JSON-RPC error member (carried in a 200
// response) return 200 here.
func (k Kind) HTTPStatus() int {
	switch k {
	case ServerUnknown:
		return 404
	case ParseError:
		return 400
	case CapacityExceeded:
		return 503
	case Timeout:
		return 504
	default:
		return 200
	}
}
