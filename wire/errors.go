package wire

import "fmt"

// Error kinds, from spec §7. Each is a distinct Go type so callers can
// use errors.As to recover the kind; ValueError, TypeError, and
// KeyError are the only kinds that cross the wire (they serialize into
// a Payload's Error field). TimeoutError, ProvenanceLoopError, and
// ProtocolError are raised/handled locally and never forwarded, per the
// propagation policy in §7.

// ValueError indicates a bad input value for a SET, an unknown request
// type, or a missing store.
type ValueError struct {
	Text  string
	Debug string
}

func (e *ValueError) Error() string { return e.Text }

// TypeError indicates the wrong operand type was used with an item.
type TypeError struct {
	Text  string
	Debug string
}

func (e *TypeError) Error() string { return e.Text }

// KeyError indicates an unknown key or store in a HASH/CONFIG/GET.
type KeyError struct {
	Text  string
	Debug string
}

func (e *KeyError) Error() string { return e.Text }

// TimeoutError indicates an ACK was not seen within the ack timeout, or
// an overall deadline elapsed. Raised locally; never forwarded to the
// wire.
type TimeoutError struct {
	Operation string
	Timeout   float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %.3fs", e.Operation, e.Timeout)
}

// ProvenanceLoopError indicates the registry received a block whose
// provenance already contains this process's own (hostname, req)
// identity. It is discarded silently — the REP to the pushing peer is
// still a success, nothing is ever surfaced to a caller.
type ProvenanceLoopError struct {
	Hostname string
	Req      int
}

func (e *ProvenanceLoopError) Error() string {
	return fmt.Sprintf("provenance loop: block already relayed through %s:%d", e.Hostname, e.Req)
}

// ProtocolError indicates a malformed frame or an unknown version byte.
// Daemons and clients both log and drop the frame.
type ProtocolError struct {
	Text string
}

func (e *ProtocolError) Error() string { return e.Text }

// WireError is the JSON shape of the `error` field in a Payload, per
// §4.1's payload schema: `{type, text, debug?}`.
type WireError struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Debug string `json:"debug,omitempty"`
}

// ToWireError converts a local error into the wire error shape.
// ValueError, TypeError and KeyError keep their kind; any other error,
// including the locally handled kinds (Timeout, ProvenanceLoop,
// Protocol), is sent as a ValueError whose text is err.Error().
func ToWireError(err error) *WireError {
	switch e := err.(type) {
	case *ValueError:
		return &WireError{Type: "ValueError", Text: e.Text, Debug: e.Debug}
	case *TypeError:
		return &WireError{Type: "TypeError", Text: e.Text, Debug: e.Debug}
	case *KeyError:
		return &WireError{Type: "KeyError", Text: e.Text, Debug: e.Debug}
	default:
		return &WireError{Type: "ValueError", Text: err.Error()}
	}
}

// FromWireError reconstructs a local error from a wire error received
// in a REP payload, for a client to surface to its caller.
func FromWireError(we *WireError) error {
	if we == nil {
		return nil
	}
	switch we.Type {
	case "ValueError":
		return &ValueError{Text: we.Text, Debug: we.Debug}
	case "TypeError":
		return &TypeError{Text: we.Text, Debug: we.Debug}
	case "KeyError":
		return &KeyError{Text: we.Text, Debug: we.Debug}
	default:
		return &ValueError{Text: we.Text, Debug: we.Debug}
	}
}
