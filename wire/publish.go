package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PublishFrame is the 4-part broadcast message described in §4.1:
// topic, version, payload, bulk.
type PublishFrame struct {
	Topic   string
	Payload []byte
	Bulk    []byte
}

// Topic builds the plain broadcast topic "<store>.<KEY>.". The trailing
// "." is load-bearing: it prevents a subscription to "foo.BAR." from
// matching a broadcast on "foo.BARBAZ.", per §4.1.
func Topic(store, key string) string {
	return fmt.Sprintf("%s.%s.", store, key)
}

// BulkTopic builds the topic for a broadcast whose bulk frame is
// non-empty: "bulk:<store>.<KEY>.".
func BulkTopic(store, key string) string {
	return "bulk:" + Topic(store, key)
}

// BundleTopic builds the topic for a bundle broadcast, whose payload is
// a JSON array of per-item payloads sharing one id: "bundle:<store>.<prefix>.".
func BundleTopic(store, prefix string) string {
	return fmt.Sprintf("bundle:%s.%s.", store, prefix)
}

// BundleElement is one item's contribution to a bundle broadcast's JSON
// array, per §4.3: "a bundle whose payload is a JSON array of per-item
// payload objects that share the same id." Id is the same string
// across every element of one bundle, letting a subscriber recognize
// which broadcasts belong to the same atomic update.
type BundleElement struct {
	Key   string          `json:"key"`
	Id    string          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	Time  *float64        `json:"time,omitempty"`
}

// EncodeBundle marshals a bundle's elements to the canonical JSON array
// wire form.
func EncodeBundle(elements []BundleElement) ([]byte, error) {
	return json.Marshal(elements)
}

// DecodeBundle parses a bundle broadcast's payload into its elements.
func DecodeBundle(raw []byte) ([]BundleElement, error) {
	var elements []BundleElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, &ProtocolError{Text: fmt.Sprintf("malformed bundle: %v", err)}
	}
	return elements, nil
}

// MatchesSubscription reports whether a broadcast's topic is covered by
// a subscription topic prefix. Subscriptions are leading-substring
// matches against the topic, per §4.1/§4.3.
func MatchesSubscription(topic, subscription string) bool {
	return strings.HasPrefix(topic, subscription)
}

// Encode renders the frame as the 4 wire parts, in order.
func (f *PublishFrame) Encode() [][]byte {
	return [][]byte{
		[]byte(f.Topic),
		{Version},
		f.Payload,
		f.Bulk,
	}
}

// DecodePublishFrame parses a 4-part multipart message into a
// PublishFrame.
func DecodePublishFrame(parts [][]byte) (*PublishFrame, error) {
	if len(parts) != 4 {
		return nil, &ProtocolError{Text: fmt.Sprintf("expected 4 publish frame parts, got %d", len(parts))}
	}
	if len(parts[1]) != 1 || parts[1][0] != Version {
		return nil, &ProtocolError{Text: fmt.Sprintf("unknown wire version %v", parts[1])}
	}
	return &PublishFrame{
		Topic:   string(parts[0]),
		Payload: parts[2],
		Bulk:    parts[3],
	}, nil
}
