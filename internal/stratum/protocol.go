package stratum

import (
	"fmt"
	"strings"

	"github.com/bardlex/gominer/internal/jsonx"
)

// Request ids used by the client. Pool replies with an id of SubmitID or
// above are share verdicts.
const (
	SubscribeID  = 1
	AuthorizeID  = 2
	ExtranonceID = 3
	SubmitID     = 4
)

// Error codes the client puts in replies to pool requests
const (
	ErrorDisabled      = 1
	ErrorUnknownMethod = 38
)

// Message is a decoded Stratum line. HasResult tells a null result apart
// from a missing one.
type Message struct {
	ID        any
	Method    string
	Params    []any
	Result    any
	HasResult bool
	Error     any
}

// Request is an outbound JSON-RPC request
type Request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Response is an outbound reply to a pool request. Error is always
// serialized, as null on success.
type Response struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// Error is the error object of a reply
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Method is the closed set of pool requests the client understands.
type Method int

const (
	MethodUnknown Method = iota
	MethodNotify
	MethodSetDifficulty
	MethodSetExtranonce
	MethodPing
	MethodReconnect
	MethodGetAlgo
	MethodGetStats
	MethodGetVersion
	MethodShowMessage
)

var methodNames = map[string]Method{
	"mining.notify":         MethodNotify,
	"mining.set_difficulty": MethodSetDifficulty,
	"mining.set_extranonce": MethodSetExtranonce,
	"mining.ping":           MethodPing,
	"client.reconnect":      MethodReconnect,
	"client.get_algo":       MethodGetAlgo,
	"client.get_stats":      MethodGetStats,
	"client.get_version":    MethodGetVersion,
	"client.show_message":   MethodShowMessage,
}

// ParseMethod maps a method name to its variant, ignoring case.
func ParseMethod(name string) Method {
	if m, ok := methodNames[strings.ToLower(name)]; ok {
		return m
	}
	return MethodUnknown
}

func (m Method) String() string {
	for name, v := range methodNames {
		if v == m {
			return name
		}
	}
	return "unknown"
}

// ParseMessage decodes one Stratum line
func ParseMessage(data []byte) (*Message, error) {
	var raw map[string]any
	if err := jsonx.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message is not an object")
	}

	msg := &Message{ID: raw["id"], Error: raw["error"]}
	msg.Result, msg.HasResult = raw["result"]
	if method, ok := raw["method"].(string); ok {
		msg.Method = method
	}
	if params, ok := raw["params"].([]any); ok {
		msg.Params = params
	}
	return msg, nil
}

// MarshalMessage encodes a request or response without the line terminator
func MarshalMessage(v any) ([]byte, error) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// IsMethod reports whether the message is a pool request or push
func (m *Message) IsMethod() bool {
	return m.Method != ""
}

// NumericID returns the id as an integer when it is a JSON number.
func (m *Message) NumericID() (int64, bool) {
	switch id := m.ID.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	}
	return 0, false
}

// ResultTrue reports whether the result is the JSON literal true.
func (m *Message) ResultTrue() bool {
	b, ok := m.Result.(bool)
	return ok && b
}

// ErrorReason extracts a human readable reason from the error member, which
// pools send as [code, "reason", data] or as {"message": "reason"}.
func (m *Message) ErrorReason() string {
	switch e := m.Error.(type) {
	case []any:
		if len(e) > 1 {
			if s, ok := e[1].(string); ok {
				return s
			}
		}
	case map[string]any:
		if s, ok := e["message"].(string); ok {
			return s
		}
	}
	return ""
}

// NewSubscribeRequest builds mining.subscribe. bare drops every param for
// pools that reject the user agent or the session id.
func NewSubscribeRequest(userAgent, sessionID string, bare bool) *Request {
	params := []any{}
	if !bare {
		params = append(params, userAgent)
		if sessionID != "" {
			params = append(params, sessionID)
		}
	}
	return &Request{ID: SubscribeID, Method: "mining.subscribe", Params: params}
}

// NewAuthorizeRequest builds mining.authorize
func NewAuthorizeRequest(user, pass string) *Request {
	return &Request{ID: AuthorizeID, Method: "mining.authorize", Params: []any{user, pass}}
}

// NewExtranonceSubscribeRequest builds mining.extranonce.subscribe
func NewExtranonceSubscribeRequest() *Request {
	return &Request{ID: ExtranonceID, Method: "mining.extranonce.subscribe", Params: []any{}}
}

// NewSubmitRequest builds mining.submit. ntime and nonce are the hex of the
// little-endian header words.
func NewSubmitRequest(user, jobID, extraNonce2, nTime, nonce string) *Request {
	return &Request{
		ID:     SubmitID,
		Method: "mining.submit",
		Params: []any{user, jobID, extraNonce2, nTime, nonce},
	}
}

// NewResult builds a successful reply
func NewResult(id, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewPong answers mining.ping
func NewPong(id any) *Response {
	return NewResult(id, "pong")
}

// NewErrorReply builds a failed reply with a false result
func NewErrorReply(id any, code int, message string) *Response {
	return &Response{ID: id, Result: false, Error: &Error{Code: code, Message: message}}
}
