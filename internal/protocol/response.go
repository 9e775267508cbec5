package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// StatusPong is the status a handler answers PING with.
const StatusPong = "PONG"

// Response is a handler's reply, kept as raw JSON so it can be passed
// through to callers unchanged.
type Response json.RawMessage

// PongResponse is the canonical reply to PING.
func PongResponse() Response {
	return Response(`{"status":"PONG"}`)
}

// ErrorResponse builds a failure reply of the shape {"error": msg}.
func ErrorResponse(msg string) Response {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{msg})
	return Response(b)
}

// Valid reports whether the response is well-formed JSON.
func (r Response) Valid() bool {
	return len(r) > 0 && gjson.ValidBytes(r)
}

// IsPong reports whether the response is a structurally valid PONG.
func (r Response) IsPong() bool {
	if !r.Valid() {
		return false
	}
	status := gjson.GetBytes(r, "status")
	return status.Type == gjson.String && status.Str == StatusPong
}

// Failure returns the handler-reported error, if any. A response is a
// failure when it is an object with a non-empty string "error" field.
func (r Response) Failure() (string, bool) {
	if !r.Valid() {
		return "", false
	}
	res := gjson.ParseBytes(r)
	if !res.IsObject() {
		return "", false
	}
	e := res.Get("error")
	if e.Type != gjson.String || e.Str == "" {
		return "", false
	}
	return e.Str, true
}

// MarshalJSON passes the raw payload through. Empty responses encode as null.
func (r Response) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON stores a copy of the raw payload.
func (r *Response) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}
