package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// envelope is the {code,message,data} wrapper some registry builds use.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// unwrapBody normalizes a registry response body to its payload. A wrapped
// response with a non-zero code becomes an *APIError; a raw body is
// returned unchanged.
func unwrapBody(status int, body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("registry: decode response: %w", err)
	}
	_, hasCode := fields["code"]
	_, hasData := fields["data"]
	_, hasMessage := fields["message"]
	if !hasCode || (!hasData && !hasMessage) {
		return trimmed, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("registry: decode envelope: %w", err)
	}
	if env.Code != nil && *env.Code != 0 {
		return nil, &APIError{Status: status, Code: *env.Code, Message: env.Message}
	}
	return env.Data, nil
}

// decodePayload decodes a normalized payload into out. An empty or null
// payload leaves out untouched.
func decodePayload(payload json.RawMessage, out any) error {
	if out == nil || len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("registry: decode payload: %w", err)
	}
	return nil
}

// errorMessage extracts a human message from an error body, whatever its shape.
func errorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	var generic struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(trimmed, &generic) == nil {
		if generic.Message != "" {
			return generic.Message
		}
		if generic.Error != "" {
			return generic.Error
		}
	}
	msg := string(trimmed)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// flexID accepts both numeric and string JSON ids.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexID(n.String())
	return nil
}

// flexList accepts a JSON array or a string holding a JSON array (some
// registries store JSON columns as text).
func flexList[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
