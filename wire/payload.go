package wire

import (
	"encoding/json"
	"fmt"
)

// Payload is the JSON object carried in part 5 of a request/response
// frame and part 3 of a publish frame, per §4.1. All fields are
// optional unless the operation requires them.
//
// Value is kept as json.RawMessage rather than `any` so that a scalar,
// string, array, or bulk descriptor all round-trip losslessly — in
// particular so int64 values are not silently widened to float64 by a
// naive decode into `any`, per the documented number-type rule in
// §4.1.
type Payload struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Time    *float64        `json:"time,omitempty"`
	Refresh bool            `json:"refresh,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Shape   []int           `json:"shape,omitempty"`
	Dtype   string          `json:"dtype,omitempty"`
}

// EncodePayload marshals a Payload to the canonical wire form. An empty
// Payload (zero value) marshals to "{}" rather than "null" so that
// decode(encode(x)) round-trips through an empty-but-present JSON
// object, matching §4.1's "payload (UTF-8 JSON object, or empty)".
func EncodePayload(p *Payload) ([]byte, error) {
	if p == nil {
		return []byte{}, nil
	}
	return json.Marshal(p)
}

// DecodePayload parses the wire form of a payload. An empty byte slice
// decodes to an empty, non-nil Payload.
func DecodePayload(raw []byte) (*Payload, error) {
	if len(raw) == 0 {
		return &Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ProtocolError{Text: fmt.Sprintf("malformed payload: %v", err)}
	}
	return &p, nil
}

// SetValue marshals v into the Payload's Value slot.
func (p *Payload) SetValue(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.Value = raw
	return nil
}

// DecodeValue unmarshals the Payload's Value slot into v.
func (p *Payload) DecodeValue(v any) error {
	if len(p.Value) == 0 {
		return fmt.Errorf("payload has no value")
	}
	return json.Unmarshal(p.Value, v)
}

// IsBulkDescriptor reports whether this payload describes a bulk
// (binary buffer) value: shape and dtype are required together, per
// §4.1.
func (p *Payload) IsBulkDescriptor() bool {
	return len(p.Shape) > 0 && p.Dtype != ""
}
