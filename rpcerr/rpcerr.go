// Package rpcerr implements the OCPP-J wire error taxonomy (spec.md
// §6-7): the fixed set of error codes a CALLERROR may carry, plus two
// purely-local kinds (Timeout, UnexpectedHttpResponse) that never
// appear on the wire.
package rpcerr

import (
	"errors"
	"fmt"
)

// Code is one of the OCPP-J wire error codes, or a local-only kind.
type Code string

const (
	GenericError                 Code = "GenericError"
	NotImplemented                Code = "NotImplemented"
	NotSupported                  Code = "NotSupported"
	InternalError                 Code = "InternalError"
	ProtocolError                 Code = "ProtocolError"
	SecurityError                 Code = "SecurityError"
	FormationViolation            Code = "FormationViolation"
	FormatViolation               Code = "FormatViolation"
	PropertyConstraintViolation   Code = "PropertyConstraintViolation"
	OccurrenceConstraintViolation Code = "OccurrenceConstraintViolation"
	TypeConstraintViolation       Code = "TypeConstraintViolation"
	MessageTypeNotSupported       Code = "MessageTypeNotSupported"
	RPCFrameworkError             Code = "RpcFrameworkError"

	// Timeout and UnexpectedHttpResponse are local-only: call() may
	// settle with either, but they are never serialized onto the wire.
	Timeout                Code = "Timeout"
	UnexpectedHTTPResponse Code = "UnexpectedHttpResponse"
)

// knownCodes lets FromWire reject unrecognized codes from a peer by
// falling back to GenericError rather than propagating an arbitrary
// string as if it were a framework-defined kind.
var knownCodes = map[Code]struct{}{
	GenericError: {}, NotImplemented: {}, NotSupported: {}, InternalError: {},
	ProtocolError: {}, SecurityError: {}, FormationViolation: {}, FormatViolation: {},
	PropertyConstraintViolation: {}, OccurrenceConstraintViolation: {},
	TypeConstraintViolation: {}, MessageTypeNotSupported: {}, RPCFrameworkError: {},
}

// Error is the typed error value every RPC-facing API in this module
// returns: pending-call rejection, inbound handler failure, upgrade
// failure. It implements error and carries enough detail to both
// serialize a CALLERROR and to log a full cause chain.
type Error struct {
	Code    Code
	Message string
	Details any
	// Cause is the underlying error this Error was derived from, if
	// any (e.g. a json.SyntaxError that became a FormatViolation).
	// Kept separate from Details so Unwrap can traverse it even when
	// Details holds a caller-visible, JSON-serializable payload.
	Cause error
}

func New(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

func Wrap(code Code, cause error, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// FromWire builds an Error from a received `[4, id, code, message,
// details]` frame. An unrecognized code is preserved in Message rather
// than silently dropped, but normalized to GenericError so callers can
// still type-switch on Code.
func FromWire(code, message string, details any) *Error {
	c := Code(code)
	if _, ok := knownCodes[c]; !ok {
		return &Error{Code: GenericError, Message: fmt.Sprintf("%s: %s", code, message), Details: details}
	}
	return &Error{Code: c, Message: message, Details: details}
}

// IsTimeout reports whether err is (or wraps) a local Timeout.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == Timeout
}
