package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mesmerverse/bunker"
)

// Request is the decrypted JSON envelope {"id","method","params"}.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is {"id","result"} on success or {"id","error"} on failure.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ParseError reports a malformed envelope. RecoveredID is set when the "id"
// field could still be read, so an error response can be addressed.
type ParseError struct {
	RecoveredID string
	Reason      string
}

func (e *ParseError) Error() string {
	return "malformed request: " + e.Reason
}

// Is matches bunker.ErrParse.
func (e *ParseError) Is(target error) bool {
	return errors.Is(bunker.ErrParse, target)
}

type rawEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ParseCommand decodes a request envelope. It never panics on hostile input;
// every failure is a *ParseError.
func ParseCommand(plaintext string) (*Request, error) {
	var raw rawEnvelope
	if err := json.Unmarshal([]byte(plaintext), &raw); err != nil {
		return nil, &ParseError{RecoveredID: recoverID(plaintext), Reason: "not a JSON object"}
	}

	var id string
	if err := json.Unmarshal(raw.ID, &id); err != nil || id == "" {
		return nil, &ParseError{Reason: "missing or invalid id"}
	}

	var method string
	if err := json.Unmarshal(raw.Method, &method); err != nil || method == "" {
		return nil, &ParseError{RecoveredID: id, Reason: "missing or invalid method"}
	}

	params, err := decodeParams(raw.Params)
	if err != nil {
		return nil, &ParseError{RecoveredID: id, Reason: err.Error()}
	}

	return &Request{ID: id, Method: method, Params: params}, nil
}

// decodeParams accepts an array of strings. Non-string elements and a bare
// params object are kept as their JSON text so method handlers can decode
// them.
func decodeParams(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}
	switch raw[0] {
	case '{':
		return []string{string(raw)}, nil
	case '[':
	default:
		return nil, fmt.Errorf("params must be an array")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("invalid params: %v", err)
	}
	params := make([]string, 0, len(elems))
	for _, elem := range elems {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			params = append(params, s)
			continue
		}
		params = append(params, string(bytes.TrimSpace(elem)))
	}
	return params, nil
}

// recoverID pulls an "id" string out of content that failed to parse as a
// whole, e.g. truncated JSON.
func recoverID(plaintext string) string {
	idx := strings.Index(plaintext, `"id"`)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(plaintext[idx+4:], " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return ""
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if !strings.HasPrefix(rest, `"`) {
		return ""
	}
	end := strings.Index(rest[1:], `"`)
	if end <= 0 || end > 128 {
		return ""
	}
	return rest[1 : 1+end]
}

// SerializeResponse builds the response envelope. Errors are reduced to
// their message, which for protocol errors is a fixed string.
func SerializeResponse(id, result string, err error) (string, error) {
	resp := map[string]string{"id": id}
	if err != nil {
		resp["error"] = errorMessage(err)
	} else {
		resp["result"] = result
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		return "", fmt.Errorf("failed to marshal response: %w", mErr)
	}
	return string(data), nil
}

func errorMessage(err error) string {
	var be *bunker.Error
	if errors.As(err, &be) {
		return be.Error()
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return err.Error()
}
