package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Multipart framing over a plain byte stream.
//
// The reference ZeroMQ transport delivers a multipart message as an
// atomic unit; no ZeroMQ binding exists anywhere in the retrieved
// reference corpus (see DESIGN.md), so mKTL reproduces that same
// atomic-multipart delivery over net.Conn with a minimal length-
// prefixed encoding: a uint32 part count, then for each part a uint32
// byte length followed by the part's bytes. This is purely a transport
// detail — it is invisible above the wire package; everything in
// §4.1's frame layout round-trips through it unchanged.
const maxParts = 64
const maxPartLen = 256 << 20 // 256MiB, generous headroom for bulk frames

// WriteMultipart writes one multipart message to w.
func WriteMultipart(w io.Writer, parts [][]byte) error {
	bw := bufio.NewWriter(w)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(parts)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	for _, part := range parts {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(part)))
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}
		if len(part) > 0 {
			if _, err := bw.Write(part); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadMultipart reads one multipart message from r, blocking until a
// full message has arrived or the stream errors/closes.
func ReadMultipart(r io.Reader) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxParts {
		return nil, &ProtocolError{Text: fmt.Sprintf("multipart message declares %d parts, exceeds limit", n)}
	}
	parts := make([][]byte, n)
	for i := range parts {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		l := binary.BigEndian.Uint32(hdr[:])
		if l > maxPartLen {
			return nil, &ProtocolError{Text: fmt.Sprintf("multipart frame part declares %d bytes, exceeds limit", l)}
		}
		buf := make([]byte, l)
		if l > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
		}
		parts[i] = buf
	}
	return parts, nil
}
