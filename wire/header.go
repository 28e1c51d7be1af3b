// Package wire implements the endian codec and 8-byte message header
// shared by every on-wire and in-queue frame in the tcpshm protocol.
package wire

import "encoding/binary"

// Message types. 0 is reserved for heartbeats, 1 and 2 for the login
// handshake; application messages start at 3.
const (
	MsgTypeHeartbeat = uint16(0)
	MsgTypeLogin     = uint16(1)
	MsgTypeLoginResp = uint16(2)
	MsgTypeAppMin    = uint16(3)
)

// HeaderSize is the size in bytes of a MsgHeader, and also the cell
// size of the PTCPQueue and the frame-rounding unit.
const HeaderSize = 8

// Order selects the wire byte order used for every header and login
// payload. The spec fixes this at build time; we carry it as a value
// so tests can exercise both orders without rebuilding.
type Order struct {
	binary.ByteOrder
}

// LittleEndian and BigEndian are the two supported wire orders.
var (
	LittleEndian = Order{binary.LittleEndian}
	BigEndian    = Order{binary.BigEndian}
)

// Header is the 8-byte record carried by every frame:
//
//	size:     bytes in this frame including the header, unrounded
//	msg_type: 0 = heartbeat, 1 = login, 2 = login response, >=3 = app
//	ack_seq:  cumulative ack, the next seq the sender of this header
//	          has received and committed from its peer
//
// A frame's on-wire length is always FrameLen(Size), i.e. the next
// multiple of 8 bytes.
type Header struct {
	Size    uint16
	MsgType uint16
	AckSeq  uint32
}

// FrameLen rounds size up to the next multiple of HeaderSize.
func FrameLen(size uint16) uint32 {
	return (uint32(size) + HeaderSize - 1) &^ (HeaderSize - 1)
}

// FrameCells returns the number of HeaderSize cells a frame of this
// size occupies.
func FrameCells(size uint16) uint32 {
	return FrameLen(size) / HeaderSize
}

// Encode writes h into b[:8] in the given wire order. b must have at
// least HeaderSize bytes.
func (o Order) Encode(b []byte, h Header) {
	o.PutUint16(b[0:2], h.Size)
	o.PutUint16(b[2:4], h.MsgType)
	o.PutUint32(b[4:8], h.AckSeq)
}

// Decode reads a Header out of b[:8] in the given wire order.
func (o Order) Decode(b []byte) Header {
	return Header{
		Size:    o.Uint16(b[0:2]),
		MsgType: o.Uint16(b[2:4]),
		AckSeq:  o.Uint32(b[4:8]),
	}
}

// SeqLess reports whether a is strictly before b in sequence order,
// correctly handling uint32 wraparound (signed-difference comparison,
// per spec.md: numeric semantics on sequence arithmetic).
func SeqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqLessOrEqual reports whether a is not strictly after b.
func SeqLessOrEqual(a, b uint32) bool {
	return int32(a-b) <= 0
}
