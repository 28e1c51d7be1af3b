// Package ptcpq implements PTCPQueue, the persistent send/ack queue
// described in spec.md §4.1. It is mmaped to one file per direction
// per peer pair: message cells are stored in wire byte order, the
// index block that precedes them is kept in host byte order, and the
// whole region is owned by exactly one PTCPConnection at a time.
package ptcpq

import (
	"encoding/binary"
	"fmt"

	"github.com/alephtx/tcpshm/internal/mmapregion"
	"github.com/alephtx/tcpshm/wire"
)

// indexBlockSize is the byte size of the persisted index block:
// WriteIdx, ReadIdx, SendIdx, ReadSeqNum, AckSeqNum, each a uint32, in
// host byte order (these never cross the wire).
const indexBlockSize = 5 * 4

// Queue is a fixed-capacity array of wire.HeaderSize cells, mmaped to
// a file. It owns outbound messages until the remote cumulatively
// acknowledges them, and supports replaying them after a reconnect.
//
// Queue is single-owner: exactly one PTCPConnection drives it at a
// time (spec.md §5, "Scheduling model").
type Queue struct {
	region   *mmapregion.Region
	order    wire.Order
	capacity uint32 // number of HeaderSize cells available for messages
	cells    []byte // region.Bytes[indexBlockSize:], len == capacity*HeaderSize
}

// Open maps (creating if needed) a PTCPQueue file of the given
// message-cell capacity (capacity * wire.HeaderSize bytes of message
// storage, plus the index block).
func Open(path string, capacity uint32, order wire.Order) (*Queue, error) {
	size := indexBlockSize + int(capacity)*wire.HeaderSize
	region, err := mmapregion.MapFile(path, size)
	if err != nil {
		return nil, fmt.Errorf("ptcpq: %w", err)
	}
	return &Queue{
		region:   region,
		order:    order,
		capacity: capacity,
		cells:    region.Bytes[indexBlockSize:],
	}, nil
}

// Close unmaps the queue's backing file.
func (q *Queue) Close() error {
	return q.region.Close()
}

// indices in host byte order, read/written directly; there are only
// five of them and they are touched on every Alloc/Push/Ack, so we
// avoid a struct-overlay and just use binary.NativeEndian-style plain
// field accessors backed by the mapped bytes.
func (q *Queue) idx(field int) uint32 {
	return binary.NativeEndian.Uint32(q.region.Bytes[field*4:])
}
func (q *Queue) setIdx(field int, v uint32) {
	binary.NativeEndian.PutUint32(q.region.Bytes[field*4:], v)
}

const (
	fWriteIdx = iota
	fReadIdx
	fSendIdx
	fReadSeqNum
	fAckSeqNum
)

func (q *Queue) writeIdx() uint32      { return q.idx(fWriteIdx) }
func (q *Queue) setWriteIdx(v uint32)  { q.setIdx(fWriteIdx, v) }
func (q *Queue) readIdx() uint32       { return q.idx(fReadIdx) }
func (q *Queue) setReadIdx(v uint32)   { q.setIdx(fReadIdx, v) }
func (q *Queue) sendIdx() uint32       { return q.idx(fSendIdx) }
func (q *Queue) setSendIdx(v uint32)   { q.setIdx(fSendIdx, v) }
func (q *Queue) readSeqNum() uint32     { return q.idx(fReadSeqNum) }
func (q *Queue) setReadSeqNum(v uint32) { q.setIdx(fReadSeqNum, v) }

// MyAckValue returns the current cumulative-ack counter: the next
// inbound sequence number this side will acknowledge.
func (q *Queue) MyAckValue() uint32 { return q.idx(fAckSeqNum) }

// IncMyAck increments the local delivered-to-application counter by
// one, as PTCPConnection.Pop does for every message it hands to the
// application.
func (q *Queue) IncMyAck() { q.setIdx(fAckSeqNum, q.idx(fAckSeqNum)+1) }

func (q *Queue) headerAt(cell uint32) wire.Header {
	return q.order.Decode(q.cells[cell*wire.HeaderSize:])
}
func (q *Queue) setHeaderAt(cell uint32, h wire.Header) {
	q.order.Encode(q.cells[cell*wire.HeaderSize:], h)
}

// Alloc reserves room for a message of payload_size bytes (plus the
// 8-byte header) and returns the cell slice to write it into, along
// with the cell index (needed by Push). Returns ok=false if there is
// not enough free space; the caller must back off and retry (spec.md
// §4.1, §7.f: out-of-queue-space is not a connection-level error).
func (q *Queue) Alloc(payloadSize uint16) (frame []byte, cell uint32, ok bool) {
	size := uint16(wire.HeaderSize) + payloadSize
	blkSz := wire.FrameCells(size)

	writeIdx := q.writeIdx()
	availTail := q.capacity - writeIdx
	if blkSz > availTail {
		readIdx := q.readIdx()
		if blkSz > availTail+readIdx {
			return nil, 0, false
		}
		// shift the active window [readIdx, writeIdx) to offset 0
		sendIdx := q.sendIdx()
		copy(q.cells, q.cells[readIdx*wire.HeaderSize:writeIdx*wire.HeaderSize])
		writeIdx -= readIdx
		sendIdx -= readIdx
		q.setWriteIdx(writeIdx)
		q.setSendIdx(sendIdx)
		q.setReadIdx(0)
	}
	q.setHeaderAt(writeIdx, wire.Header{Size: size})
	return q.cells[writeIdx*wire.HeaderSize : (writeIdx+blkSz)*wire.HeaderSize], writeIdx, true
}

// Push commits the message allocated at cell: stamps the cumulative
// ack, converts nothing further (the header is already written in
// wire order by Alloc/the caller), and advances write_idx.
func (q *Queue) Push(cell uint32) {
	h := q.headerAt(cell)
	blkSz := wire.FrameCells(h.Size)
	h.AckSeq = q.MyAckValue()
	q.setHeaderAt(cell, h)
	q.setWriteIdx(cell + blkSz)
}

// GetSendable returns the region [send_idx, write_idx) ready for a
// socket write, as a byte slice, or nil if there is nothing pending.
func (q *Queue) GetSendable() []byte {
	sendIdx, writeIdx := q.sendIdx(), q.writeIdx()
	if sendIdx == writeIdx {
		return nil
	}
	return q.cells[sendIdx*wire.HeaderSize : writeIdx*wire.HeaderSize]
}

// Sendout advances send_idx by n successfully-sent cells (n may be
// less than the full sendable region on a partial socket write).
func (q *Queue) Sendout(n uint32) {
	q.setSendIdx(q.sendIdx() + n)
}

// Ack advances read_idx past every message whose sequence is strictly
// less than peerNextExpected, i.e. retires messages the peer has
// cumulatively acknowledged. A stale or equal ack is a no-op (spec.md
// §5: "Ack is idempotent and monotonic").
func (q *Queue) Ack(peerNextExpected uint32) {
	readSeqNum := q.readSeqNum()
	if wire.SeqLessOrEqual(peerNextExpected, readSeqNum) {
		return
	}
	readIdx := q.readIdx()
	for readSeqNum != peerNextExpected {
		h := q.headerAt(readIdx)
		readIdx += wire.FrameCells(h.Size)
		readSeqNum++
	}
	q.setReadIdx(readIdx)
	q.setReadSeqNum(readSeqNum)
	if readIdx == q.writeIdx() {
		q.setReadIdx(0)
		q.setWriteIdx(0)
		q.setSendIdx(0)
	}
}

// LoginAck behaves like Ack, then rewinds send_idx back to read_idx
// so every still-unacked message is replayed on the fresh connection.
func (q *Queue) LoginAck(peerNextExpected uint32) {
	q.Ack(peerNextExpected)
	q.setSendIdx(q.readIdx())
}

// SanityCheckAndGetSeq walks the unacked window and returns the local
// send sequence range [seqStart, seqEnd). It fails if a cell's
// ack_seq is newer than our own cumulative-ack counter, or if the
// walk does not land exactly on write_idx — both indicate file
// corruption (spec.md §4.1, §7: "Corrupt file at login is surfaced as
// a hard error that aborts the login").
func (q *Queue) SanityCheckAndGetSeq() (seqStart, seqEnd uint32, ok bool) {
	idx := q.readIdx()
	writeIdx := q.writeIdx()
	end := q.readSeqNum()
	myAck := q.MyAckValue()
	for idx < writeIdx {
		h := q.headerAt(idx)
		if wire.SeqLess(myAck, h.AckSeq) {
			return 0, 0, false
		}
		idx += wire.FrameCells(h.Size)
		end++
	}
	if idx != writeIdx {
		return 0, 0, false
	}
	return q.readSeqNum(), end, true
}

// Depth returns the number of cells currently allocated but not yet
// retired by a peer ack (i.e. still pending send or awaiting ack),
// for metrics.Set.QueueDepth.
func (q *Queue) Depth() uint32 {
	return q.writeIdx() - q.readIdx()
}

// Reset zeroes the entire mapped region (index block and cells),
// discarding any unacked history. Used when a client reconnects under
// a different server identity (spec.md §4.5 step 2).
func (q *Queue) Reset() {
	for i := range q.region.Bytes {
		q.region.Bytes[i] = 0
	}
}
