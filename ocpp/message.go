// Package ocpp implements the OCPP-J wire framing: the 3- or 5-element
// JSON arrays described in spec.md §3 and §6, and nothing about OCPP
// business semantics (no method-specific payload types — those are
// opaque JSON to this package, exactly as spec.md's "Non-goals"
// requires of the framework as a whole).
package ocpp

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocppio/ocpp-ws-io/cmn/cos"
	"github.com/ocppio/ocpp-ws-io/rpcerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageTypeID is the first element of every OCPP-J frame.
type MessageTypeID int

const (
	TypeCall       MessageTypeID = 2
	TypeCallResult MessageTypeID = 3
	TypeCallError  MessageTypeID = 4
)

// RawMessage is an uninterpreted JSON value: the core never needs a
// concrete Go type for a method's params/result (spec.md §9, "Dynamic
// JSON payloads") — strict mode reconstructs typed views purely from
// the compiled schema, not from this package.
type RawMessage = jsoniter.RawMessage

type (
	// Call is an inbound or outbound `[2, id, action, params]` frame.
	Call struct {
		ID     string
		Action string
		Params RawMessage
	}
	// CallResult is a `[3, id, result]` frame.
	CallResult struct {
		ID     string
		Result RawMessage
	}
	// CallError is a `[4, id, code, description, details]` frame.
	CallError struct {
		ID          string
		Code        string
		Description string
		Details     RawMessage
	}
)

// Parse decodes a single OCPP-J frame. The returned value is one of
// *Call, *CallResult, or *CallError. A malformed frame (not a JSON
// array, wrong arity, unknown type id) yields a *rpcerr.Error with
// code FormatViolation, FormationViolation (wrong element count for a
// known type id) or MessageTypeNotSupported — never a bare JSON
// error — so callers can translate it directly into a bad-message
// count and, where the id is recoverable, a best-effort CALLERROR.
func Parse(data []byte) (any, error) {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "frame is not a JSON array")
	}
	if len(raw) < 3 {
		return nil, rpcerr.New(rpcerr.FormatViolation, "frame has %d elements, need at least 3", len(raw))
	}
	var typeID int
	if err := json.Unmarshal(raw[0], &typeID); err != nil {
		return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "frame[0] is not a message type id")
	}
	var id string
	if err := json.Unmarshal(raw[1], &id); err != nil {
		return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "frame[1] is not a message id")
	}
	if !cos.IsValidID(id) {
		return nil, rpcerr.New(rpcerr.FormatViolation, "message id %q is invalid", id)
	}

	switch MessageTypeID(typeID) {
	case TypeCall:
		if len(raw) != 4 {
			return nil, rpcerr.New(rpcerr.FormationViolation, "CALL frame has %d elements, need 4", len(raw))
		}
		var action string
		if err := json.Unmarshal(raw[2], &action); err != nil {
			return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "frame[2] is not an action name")
		}
		return &Call{ID: id, Action: action, Params: raw[3]}, nil
	case TypeCallResult:
		if len(raw) != 3 {
			return nil, rpcerr.New(rpcerr.FormationViolation, "CALLRESULT frame has %d elements, need 3", len(raw))
		}
		return &CallResult{ID: id, Result: raw[2]}, nil
	case TypeCallError:
		if len(raw) != 5 {
			return nil, rpcerr.New(rpcerr.FormationViolation, "CALLERROR frame has %d elements, need 5", len(raw))
		}
		var code, desc string
		if err := json.Unmarshal(raw[2], &code); err != nil {
			return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "frame[2] is not an error code")
		}
		if err := json.Unmarshal(raw[3], &desc); err != nil {
			return nil, rpcerr.Wrap(rpcerr.FormatViolation, err, "frame[3] is not an error description")
		}
		return &CallError{ID: id, Code: code, Description: desc, Details: raw[4]}, nil
	default:
		return nil, rpcerr.New(rpcerr.MessageTypeNotSupported, "unknown message type id %d", typeID)
	}
}

// SerializeCall renders `[2, id, action, params]`.
func SerializeCall(id, action string, params any) ([]byte, error) {
	p, err := encodeParam(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal([4]any{TypeCall, id, action, p})
}

// SerializeResult renders `[3, id, result]`.
func SerializeResult(id string, result any) ([]byte, error) {
	r, err := encodeParam(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal([3]any{TypeCallResult, id, r})
}

// SerializeError renders `[4, id, code, description, details]`.
// details may be nil, in which case an empty JSON object is emitted
// (OCPP-J requires the element to be present, not merely `null`, in
// most deployed implementations; an empty object is accepted by all).
func SerializeError(id string, code rpcerr.Code, description string, details any) ([]byte, error) {
	d := details
	if d == nil {
		d = struct{}{}
	}
	return json.Marshal([5]any{TypeCallError, id, string(code), description, d})
}

func encodeParam(v any) (RawMessage, error) {
	if v == nil {
		return RawMessage("{}"), nil
	}
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return RawMessage(b), nil
}
