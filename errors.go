package lwm2m

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Sentinel errors for request handling - check with errors.Is().
var (
	// ErrBadRequest is returned for malformed paths, payloads or arguments.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized is returned when the Access Control Object denies an
	// operation, or a non-bootstrap server touches the Security object.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a path refers to an unknown object or
	// instance.
	ErrNotFound = errors.New("not found")

	// ErrNotAllowed is returned when an object does not implement the
	// requested operation.
	ErrNotAllowed = errors.New("method not allowed")

	// ErrUnsupportedContentFormat is returned for JSON payloads and for
	// formats that do not match the operation.
	ErrUnsupportedContentFormat = errors.New("unsupported content format")

	// ErrInternal is returned for state inconsistencies while serving a
	// request.
	ErrInternal = errors.New("internal error")
)

// Sentinel errors for the TLV codec - check with errors.Is().
var (
	// ErrTLVOverflow is returned when a TLV length field would read past
	// the end of the buffer.
	ErrTLVOverflow = errors.New("tlv length exceeds buffer")

	// ErrTLVInvalid is returned when a TLV accessor is used on a record
	// kind that cannot carry a value of the requested type.
	ErrTLVInvalid = errors.New("invalid tlv record")
)

// Sentinel errors for object callbacks - check with errors.Is().
var (
	// ErrResourceNotFound is returned by Read callbacks for resource ids
	// that are holes in a sparse id space. The reader skips them.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrInvalidResource is returned by Read callbacks for ids past the
	// object's resource range. The reader stops iterating.
	ErrInvalidResource = errors.New("invalid resource")
)

// Sentinel errors for the client lifecycle - check with errors.Is().
var (
	// ErrClientClosed is returned when an operation is attempted on a
	// closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNotStarted is returned when an operation requires a started
	// client.
	ErrNotStarted = errors.New("client not started")

	// ErrResolveFailed is returned when a server URI cannot be parsed or
	// its hostname cannot be resolved.
	ErrResolveFailed = errors.New("resolve failed")

	// ErrRegistrationTimeout is returned when no resolved address of a
	// server answered the registration request.
	ErrRegistrationTimeout = errors.New("registration timeout")

	// ErrNotSupported is returned for enumerated but unimplemented
	// features, such as certificate security mode.
	ErrNotSupported = errors.New("not supported")

	// ErrUnknownBinding is returned for server bindings other than "U".
	ErrUnknownBinding = errors.New("unknown binding mode")

	// ErrSchemeMismatch is returned when a server URI scheme does not
	// match the security mode of its Security instance.
	ErrSchemeMismatch = errors.New("uri scheme does not match security mode")
)

// RegistrationError contains details about a failed registration or update.
// Extract with errors.As().
type RegistrationError struct {
	err      error
	ServerID uint16
	Addr     string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration with server %d failed: %v", e.ServerID, e.err)
}

func (e *RegistrationError) Unwrap() error { return e.err }

// NewRegistrationError creates a new RegistrationError.
func NewRegistrationError(serverID uint16, addr string, cause error) *RegistrationError {
	return &RegistrationError{err: cause, ServerID: serverID, Addr: addr}
}

// PathError reports an error against a specific object path.
// Extract with errors.As().
type PathError struct {
	err  error
	Path Path
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.err)
}

func (e *PathError) Unwrap() error { return e.err }

// NewPathError creates a new PathError.
func NewPathError(path Path, cause error) *PathError {
	return &PathError{err: cause, Path: path}
}

// responseCode maps an error to the CoAP response code sent on the wire.
// Success codes are chosen by the operation handlers, never here.
func responseCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.Changed
	case errors.Is(err, ErrUnauthorized):
		return codes.Unauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrResourceNotFound):
		return codes.NotFound
	case errors.Is(err, ErrNotAllowed):
		return codes.MethodNotAllowed
	case errors.Is(err, ErrUnsupportedContentFormat):
		return codes.UnsupportedMediaType
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrTLVOverflow),
		errors.Is(err, ErrTLVInvalid), errors.Is(err, ErrInvalidResource):
		return codes.BadRequest
	default:
		return codes.InternalServerError
	}
}
