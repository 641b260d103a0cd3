// Package protocol defines the framing contract the reactor uses to turn
// a connection's raw byte stream into discrete application messages, and
// ships three concrete framers: fixed-size chunking and 8-byte
// little-endian framing (both exercised by the reactor's tests), and
// length-prefixed framing.
package protocol

import (
	"encoding/binary"

	"github.com/ehrlich-b/rxnet/iobuf"
)

// Protocol incrementally parses a byte stream. Append is handed the
// bytes accumulated so far (tail from a previous call plus newly read
// data); if a complete message is available it returns an owning RBR
// over just that message, the number of bytes it consumed, and ok=true.
// The reactor then advances its per-connection marker past the consumed
// bytes and calls Append again in case more than one message arrived in
// a single read. A zero return with ok=false means "not enough data
// yet".
//
// Every Protocol yields iobuf.RBR: interpreting those bytes as
// something richer (a number, a struct) is left to a pipeline Map
// downstream of the connection's delivery channel, not to the framer
// itself.
//
// A Protocol is stateful and is owned by exactly one connection; it
// must not be shared across connections unless it is known to be
// stateless (Chunk and LittleEndianUint64 are; a fresh LengthPrefixed{}
// value works either way since it carries no state of its own).
type Protocol interface {
	Append(buf iobuf.RBR) (msg iobuf.RBR, consumed int, ok bool)
}

// Chunk frames the stream into fixed-size messages of n bytes each.
type Chunk int

// Append implements Protocol.
func (c Chunk) Append(buf iobuf.RBR) (iobuf.RBR, int, bool) {
	n := int(c)
	if buf.Len() < n {
		return iobuf.RBR{}, 0, false
	}
	head, tail := buf.SplitAt(n)
	tail.Release()
	return head, n, true
}

// littleEndianUint64 frames the stream as a sequence of 8-byte chunks,
// meant to be read downstream as little-endian unsigned integers.
type littleEndianUint64 struct{}

// LittleEndianUint64 is the canonical stateless 8-byte framer.
var LittleEndianUint64 Protocol = littleEndianUint64{}

func (littleEndianUint64) Append(buf iobuf.RBR) (iobuf.RBR, int, bool) {
	if buf.Len() < 8 {
		return iobuf.RBR{}, 0, false
	}
	head, tail := buf.SplitAt(8)
	tail.Release()
	return head, 8, true
}

// DecodeUint64 interprets a Chunk(8)/LittleEndianUint64 message's bytes
// as a little-endian unsigned integer. Paired with pipeline.Map by
// callers that want decoded values rather than raw RBRs.
func DecodeUint64(msg iobuf.RBR) uint64 {
	return binary.LittleEndian.Uint64(msg.Bytes())
}

// LengthPrefixed frames the stream as a 4-byte big-endian length prefix
// followed by that many bytes of payload, yielding just the payload.
type LengthPrefixed struct{}

// Append implements Protocol.
func (LengthPrefixed) Append(buf iobuf.RBR) (iobuf.RBR, int, bool) {
	if buf.Len() < 4 {
		return iobuf.RBR{}, 0, false
	}
	header, rest := buf.SplitAt(4)
	length := int(binary.BigEndian.Uint32(header.Bytes()))
	header.Release()

	if rest.Len() < length {
		rest.Release()
		return iobuf.RBR{}, 0, false
	}
	body, tail := rest.SplitAt(length)
	rest.Release()
	tail.Release()
	return body, 4 + length, true
}
