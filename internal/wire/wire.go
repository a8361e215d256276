// Package wire defines the on-the-wire frame shape and the request/response
// and error codes every module and the broker core agree on. Frames are
// newline-delimited JSON objects (see internal/transport.FrameReader),
// exactly one object per line, UTF-8 encoded.
package wire

import (
	"bytes"
	"encoding/json"
)

// Type codes. Codes {0,2,4,6,8,10} are response codes and must never arrive
// inbound except FunctionCallResponse (4), which is both a request (callee
// -> broker) and the shape forwarded back to the original caller.
const (
	TypeError                   = 0
	TypeRegisterModuleRequest   = 1
	TypeRegisterModuleResponse  = 2
	TypeFunctionCallRequest     = 3
	TypeFunctionCallResponse    = 4
	TypeRegisterHookRequest     = 5
	TypeRegisterHookResponse    = 6
	TypeTriggerHookRequest      = 7
	TypeTriggerHookResponse     = 8
	TypeDeclareFunctionRequest  = 9
	TypeDeclareFunctionResponse = 10
)

// Error codes carried in an ERROR (type 0) frame's "error" field.
const (
	ErrMalformedRequest   = 0
	ErrInvalidRequestID   = 1
	ErrUnknownRequest     = 2
	ErrUnregisteredModule = 3
	ErrUnknownModule      = 4
	ErrUnknownFunction    = 5
	ErrInvalidModuleID    = 6
	ErrDuplicateModule    = 7
)

// ErrorName maps an error code to its wire-protocol name, used for logging
// and the admin API's human-readable output.
func ErrorName(code int) string {
	switch code {
	case ErrMalformedRequest:
		return "MALFORMED_REQUEST"
	case ErrInvalidRequestID:
		return "INVALID_REQUEST_ID"
	case ErrUnknownRequest:
		return "UNKNOWN_REQUEST"
	case ErrUnregisteredModule:
		return "UNREGISTERED_MODULE"
	case ErrUnknownModule:
		return "UNKNOWN_MODULE"
	case ErrUnknownFunction:
		return "UNKNOWN_FUNCTION"
	case ErrInvalidModuleID:
		return "INVALID_MODULE_ID"
	case ErrDuplicateModule:
		return "DUPLICATE_MODULE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Well-known broker-owned hook names (unqualified; the broker's configured
// name is prepended with "." to form "owner.name").
const (
	HookActivated          = "activated"
	HookDeactivated        = "deactivated"
	HookModuleActivated    = "moduleActivated"
	HookModuleDeactivated  = "moduleDeactivated"
	HookModuleDisconnected = "moduleDisconnected"
)

// UndefinedRequestID is substituted when a frame fails validation before a
// usable requestId was ever established.
const UndefinedRequestID = "undefined"

// Frame is what the dispatcher and hook/response paths build to send back
// out; every field a handler might populate is named directly since the
// broker fully controls the shape of its own outbound frames.
type Frame struct {
	Type         int             `json:"type"`
	RequestID    string          `json:"requestId"`
	ModuleID     string          `json:"moduleId,omitempty"`
	Version      string          `json:"version,omitempty"`
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
	Function     string          `json:"function,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Caller       string          `json:"caller,omitempty"`
	Hook         string          `json:"hook,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        *int            `json:"error,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

// ErrorFrame builds a type-0 ERROR response for requestID with the given
// error code.
func ErrorFrame(requestID string, code int) Frame {
	c := code
	return Frame{Type: TypeError, RequestID: requestID, Error: &c}
}

// Parsed is the result of decoding one line off the wire. Fields is the raw
// field-by-field decomposition of the inbound JSON object; nothing beyond
// Type/RequestID is eagerly typed, since a single strictly-typed struct
// decode would fail -- and so silently drop a frame instead of producing a
// MALFORMED_REQUEST reply -- the moment any one field had an unexpected
// JSON type.
type Parsed struct {
	Fields     map[string]json.RawMessage
	Type       int
	RequestID  string
	HasType    bool // "type" present and a JSON integer
	HasRequest bool // "requestId" present and a JSON string
}

// Parse decodes a single newline-delimited JSON line. ok=false means the
// line was not a JSON object at all; that case is dropped silently, never
// replied to. A syntactically valid object with a missing/mistyped "type"
// or "requestId" still returns ok=true with the corresponding Has* flag
// false, so the dispatcher can issue the correct protocol error.
func Parse(line []byte) (Parsed, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Parsed{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Parsed{}, false
	}

	p := Parsed{Fields: fields}
	if raw, present := fields["type"]; present {
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err == nil {
			if iv, err := n.Int64(); err == nil {
				p.HasType = true
				p.Type = int(iv)
			}
		}
	}
	if raw, present := fields["requestId"]; present {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			p.HasRequest = true
			p.RequestID = s
		}
	}
	return p, true
}

// String returns (value, true) if key is present in fields and is a JSON
// string.
func String(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, present := fields[key]
	if !present {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Object returns (value, true) if key is present and is a JSON object.
// Used for "arguments" and "data", which ObjectOrEmpty substitutes with {}
// when absent or the wrong type, and for "dependencies", where a
// present-but-non-object value is MALFORMED_REQUEST.
func Object(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, present := fields[key]
	if !present {
		return nil, false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	return raw, true
}

// ObjectOrEmpty is Object, substituting a JSON "{}" when absent or not an
// object.
func ObjectOrEmpty(fields map[string]json.RawMessage, key string) json.RawMessage {
	if v, ok := Object(fields, key); ok {
		return v
	}
	return json.RawMessage(`{}`)
}
