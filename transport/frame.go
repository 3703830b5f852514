package transport

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for event. A nil payload produces a frame without data.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Event: event, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Decode unmarshals the frame data into v. Frames without data leave v untouched.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
