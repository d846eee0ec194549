package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const (
	// JSONRPCVersion is the only protocol version tag accepted on the wire
	JSONRPCVersion = "2.0"
)

// ErrorCode is a wire error code. The set is closed: every error that
// reaches a client carries one of the constants below.
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603

	// RequestCancelled reports that the client withdrew the request
	RequestCancelled ErrorCode = -32800
)

var errorCodeNames = map[ErrorCode]string{
	ParseError:       "ParseError",
	InvalidRequest:   "InvalidRequest",
	MethodNotFound:   "MethodNotFound",
	InvalidParams:    "InvalidParams",
	InternalError:    "InternalError",
	RequestCancelled: "RequestCancelled",
}

// String returns the symbolic name of the code
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "ErrorCode(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c belongs to the closed wire taxonomy
func (c ErrorCode) Valid() bool {
	_, ok := errorCodeNames[c]
	return ok
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code = %d desc = %s", e.Code, e.Message)
}

// NewError creates a wire error object
func NewError(code ErrorCode, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

type idKind uint8

const (
	idNull idKind = iota
	idString
	idNumber
)

// ID is a request identifier. It is either a string or an integer and keeps
// its JSON kind across a parse/serialize round trip. The zero value is the
// null id used for error responses to unidentifiable requests.
type ID struct {
	kind idKind
	str  string
	num  int64
}

// StringID returns a string request id
func StringID(s string) ID {
	return ID{kind: idString, str: s}
}

// IntID returns a numeric request id
func IntID(n int64) ID {
	return ID{kind: idNumber, num: n}
}

// IsNull reports whether the id is the JSON null id
func (id ID) IsNull() bool {
	return id.kind == idNull
}

// IsString reports whether the id was a JSON string
func (id ID) IsString() bool {
	return id.kind == idString
}

// String renders the id for logs and map keys
func (id ID) String() string {
	switch id.kind {
	case idString:
		return id.str
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	default:
		return "null"
	}
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idNumber:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, integers and
// null are accepted.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or an integer")
	}
	if i, err := n.Int64(); err == nil {
		*id = IntID(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return fmt.Errorf("id must be a string or an integer")
	}
	*id = IntID(int64(f))
	return nil
}

// Kind identifies the variant of an Envelope
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Envelope is one wire message: a *Request, *Response or *Notification.
type Envelope interface {
	Kind() Kind
	envelope()
}

// JSONRPCMessage carries the protocol version tag shared by every envelope
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPCMessage
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind implements Envelope
func (*Request) Kind() Kind { return KindRequest }
func (*Request) envelope()  {}

// UnmarshalParams decodes the request params into v. Absent params decode
// as an empty object.
func (r *Request) UnmarshalParams(v interface{}) error {
	return unmarshalParams(r.Params, v)
}

// Response represents a JSON-RPC 2.0 response. Exactly one of Result and
// Error is meaningful; Error wins when both are set.
type Response struct {
	JSONRPCMessage
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Kind implements Envelope
func (*Response) Kind() Kind { return KindResponse }
func (*Response) envelope()  {}

// IsError reports whether the response carries an error object
func (r *Response) IsError() bool {
	return r.Error != nil
}

// MarshalJSON emits exactly one of result and error. A success response
// without a result is rendered with an empty object.
func (r *Response) MarshalJSON() ([]byte, error) {
	version := r.JSONRPC
	if version == "" {
		version = JSONRPCVersion
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string `json:"jsonrpc"`
			ID      ID     `json:"id"`
			Error   *Error `json:"error"`
		}{version, r.ID, r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{version, r.ID, result})
}

// Notification represents a JSON-RPC 2.0 notification
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind implements Envelope
func (*Notification) Kind() Kind { return KindNotification }
func (*Notification) envelope()  {}

// UnmarshalParams decodes the notification params into v
func (n *Notification) UnmarshalParams(v interface{}) error {
	return unmarshalParams(n.Params, v)
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, v)
}

// toRaw marshals v for use as params or result. Builders never fail, so a
// value that cannot be encoded degrades to JSON null.
func toRaw(v interface{}) json.RawMessage {
	switch val := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return val
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// MakeRequest builds a request envelope
func MakeRequest(id ID, method string, params interface{}) *Request {
	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Method:         method,
		Params:         toRaw(params),
	}
}

// MakeResponse builds a success response. A nil result is sent as {}.
func MakeResponse(id ID, result interface{}) *Response {
	raw := toRaw(result)
	if raw == nil {
		// a response always carries a result; nil means an empty object
		raw = json.RawMessage("{}")
	}
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Result:         raw,
	}
}

// MakeErrorResponse builds an error response
func MakeErrorResponse(id ID, code ErrorCode, message string, data interface{}) *Response {
	return ErrorResponse(id, NewError(code, message, data))
}

// ErrorResponse wraps an existing error object in a response
func ErrorResponse(id ID, e *Error) *Response {
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Error:          e,
	}
}

// MakeNotification builds a notification envelope
func MakeNotification(method string, params interface{}) *Notification {
	return &Notification{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		Method:         method,
		Params:         toRaw(params),
	}
}
