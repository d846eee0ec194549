package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError is returned by Parse when a payload cannot be turned into an
// envelope. ID holds the request id when the payload carried a usable one,
// so the failure can still be answered on the caller's id.
type DecodeError struct {
	ID  ID
	Err *Error
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	return e.Err.Error()
}

// Code returns the wire code of the failure
func (e *DecodeError) Code() ErrorCode {
	return e.Err.Code
}

func decodeErr(id ID, code ErrorCode, message string) *DecodeError {
	return &DecodeError{ID: id, Err: NewError(code, message, nil)}
}

// Parse decodes one wire payload.
//
// Invalid JSON yields ParseError. A well-formed payload that is not an
// object, has a missing or wrong version tag, or fits none of the envelope
// shapes yields InvalidRequest. A payload with method and id is a Request,
// method alone is a Notification, and id with exactly one of result or
// error is a Response.
func Parse(data []byte) (Envelope, error) {
	if !json.Valid(data) {
		return nil, decodeErr(ID{}, ParseError, "parse error: invalid JSON")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, decodeErr(ID{}, InvalidRequest, "invalid request: expected a JSON object")
	}

	var id ID
	rawID, hasID := fields["id"]
	if hasID {
		if err := json.Unmarshal(rawID, &id); err != nil {
			return nil, decodeErr(ID{}, InvalidRequest, "invalid request: "+err.Error())
		}
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok {
		return nil, decodeErr(id, InvalidRequest, "invalid request: missing jsonrpc version")
	} else if err := json.Unmarshal(raw, &version); err != nil || version != JSONRPCVersion {
		return nil, decodeErr(id, InvalidRequest, fmt.Sprintf("invalid request: jsonrpc must be %q", JSONRPCVersion))
	}

	if rawMethod, ok := fields["method"]; ok {
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return nil, decodeErr(id, InvalidRequest, "invalid request: method must be a non-empty string")
		}
		params, perr := decodeParams(fields["params"])
		if perr != nil {
			return nil, decodeErr(id, InvalidRequest, perr.Error())
		}
		if !hasID {
			return &Notification{
				JSONRPCMessage: JSONRPCMessage{JSONRPC: version},
				Method:         method,
				Params:         params,
			}, nil
		}
		if id.IsNull() {
			return nil, decodeErr(id, InvalidRequest, "invalid request: id must not be null")
		}
		return &Request{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: version},
			ID:             id,
			Method:         method,
			Params:         params,
		}, nil
	}

	if !hasID {
		return nil, decodeErr(id, InvalidRequest, "invalid request: missing method and id")
	}

	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]
	switch {
	case hasResult && !hasError:
		return &Response{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: version},
			ID:             id,
			Result:         result,
		}, nil
	case hasError && !hasResult:
		e, err := decodeErrorObject(rawErr)
		if err != nil {
			return nil, decodeErr(id, InvalidRequest, err.Error())
		}
		return &Response{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: version},
			ID:             id,
			Error:          e,
		}, nil
	default:
		return nil, decodeErr(id, InvalidRequest, "invalid request: response must carry exactly one of result or error")
	}
}

func decodeParams(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, errors.New("invalid request: params must be an object or an array")
	}
	return raw, nil
}

func decodeErrorObject(raw json.RawMessage) (*Error, error) {
	var obj struct {
		Code    *int            `json:"code"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.New("invalid request: error must be an object")
	}
	if obj.Code == nil || obj.Message == nil {
		return nil, errors.New("invalid request: error requires code and message")
	}
	e := &Error{Code: ErrorCode(*obj.Code), Message: *obj.Message}
	if len(obj.Data) > 0 {
		e.Data = obj.Data
	}
	return e, nil
}

// Serialize encodes an envelope for the wire. Absent optional fields are
// omitted and a missing version tag is filled in.
func Serialize(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case *Request:
		if e == nil {
			return nil, errors.New("serialize: nil request")
		}
		c := *e
		c.JSONRPC = JSONRPCVersion
		return json.Marshal(&c)
	case *Response:
		if e == nil {
			return nil, errors.New("serialize: nil response")
		}
		return json.Marshal(e)
	case *Notification:
		if e == nil {
			return nil, errors.New("serialize: nil notification")
		}
		c := *e
		c.JSONRPC = JSONRPCVersion
		return json.Marshal(&c)
	default:
		return nil, fmt.Errorf("serialize: unsupported envelope %T", env)
	}
}

// FailureResponse turns a Parse failure into the response a server sends
// back. Errors that did not come from Parse are reported as ParseError.
func FailureResponse(err error) *Response {
	var de *DecodeError
	if errors.As(err, &de) {
		return ErrorResponse(de.ID, de.Err)
	}
	return MakeErrorResponse(ID{}, ParseError, "parse error", nil)
}
