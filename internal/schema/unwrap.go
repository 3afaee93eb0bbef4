package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidFormat indicates a third-party response that does not follow the
// required {success, data, error} wrapper convention
var ErrInvalidFormat = errors.New("invalid response format")

// customEnvelope is the wrapper every custom source must return
type customEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// UnwrapPrimary extracts the payload from a primary-API response: the value
// of "data" when present, otherwise the whole body.
func UnwrapPrimary(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return raw
}

// UnwrapCustom validates the mandatory custom-source wrapper and returns the
// inner payload
func UnwrapCustom(raw json.RawMessage) (json.RawMessage, error) {
	var envelope customEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrInvalidFormat)
	}
	if envelope.Success == nil {
		return nil, fmt.Errorf("%w: missing success field", ErrInvalidFormat)
	}
	if !*envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = "custom API reported failure"
		}
		return nil, errors.New(msg)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, fmt.Errorf("%w: success response missing data", ErrInvalidFormat)
	}
	return envelope.Data, nil
}
