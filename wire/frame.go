// Package wire implements the mKTL multipart wire codec: the 6-part
// request/response frame and the 4-part publish frame from spec §4.1,
// plus the typed errors from §7 that travel in a Payload's error slot.
package wire

import (
	"fmt"
)

// Version is the wire protocol version byte for this revision.
const Version byte = 'a'

// Request/response frame types, part 3 of a Frame.
const (
	TypeGET    = "GET"
	TypeSET    = "SET"
	TypeHASH   = "HASH"
	TypeCONFIG = "CONFIG"
	TypeACK    = "ACK"
	TypeREP    = "REP"
)

// Frame is the 6-part request/response message described in §4.1:
// version, identifier, type, target, payload, bulk.
type Frame struct {
	ID      uint64
	Type    string
	Target  string
	Payload []byte
	Bulk    []byte
}

// EncodeID renders a request identifier as 8 hex ASCII characters, the
// reference wire form named in §3.
func EncodeID(id uint64) []byte {
	return []byte(fmt.Sprintf("%08x", id&0xffffffff))
}

// DecodeID parses an 8-hex-character identifier back into a uint64.
// The width is not enforced (the spec only requires client-side
// uniqueness within the outstanding-request window), but input that
// does not start with hex digits is a protocol error.
func DecodeID(raw []byte) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscanf(string(raw), "%x", &id); err != nil {
		return 0, &ProtocolError{Text: fmt.Sprintf("malformed identifier %q: %v", raw, err)}
	}
	return id, nil
}

// Encode renders the frame as the 6 wire parts, in order. Empty parts
// are rendered as zero-length byte slices, never nil.
func (f *Frame) Encode() [][]byte {
	parts := [][]byte{
		{Version},
		EncodeID(f.ID),
		[]byte(f.Type),
		[]byte(f.Target),
		f.Payload,
		f.Bulk,
	}
	for i, p := range parts {
		if p == nil {
			parts[i] = []byte{}
		}
	}
	return parts
}

// DecodeFrame parses a 6-part multipart message into a Frame. Malformed
// frames — wrong part count or unknown version — are reported as a
// ProtocolError. Both reqrep.Daemon and reqrep.Client log and drop such
// a frame; the client does not fail a pending request because of it, so
// that request ends with its own timeout.
func DecodeFrame(parts [][]byte) (*Frame, error) {
	if len(parts) != 6 {
		return nil, &ProtocolError{Text: fmt.Sprintf("expected 6 frame parts, got %d", len(parts))}
	}
	if len(parts[0]) != 1 || parts[0][0] != Version {
		return nil, &ProtocolError{Text: fmt.Sprintf("unknown wire version %v", parts[0])}
	}
	id, err := DecodeID(parts[1])
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:      id,
		Type:    string(parts[2]),
		Target:  string(parts[3]),
		Payload: parts[4],
		Bulk:    parts[5],
	}, nil
}

// Ack builds the ACK response for this request: version, identifier,
// ACK, empty target, empty payload, empty bulk — per §4.2, ACK must
// precede any long-running work and carries no payload.
func (f *Frame) Ack() *Frame {
	return &Frame{ID: f.ID, Type: TypeACK}
}

// Reply builds a REP response carrying payload and bulk, echoing this
// request's identifier verbatim per §3.
func (f *Frame) Reply(payload, bulk []byte) *Frame {
	return &Frame{ID: f.ID, Type: TypeREP, Payload: payload, Bulk: bulk}
}
