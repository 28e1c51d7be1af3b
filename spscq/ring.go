// Package spscq implements SPSCVarQueue, the wait-free single-producer
// single-consumer ring of variable-length messages described in
// spec.md §4.2. One ring is mapped per direction per connected peer
// pair, as a POSIX shared-memory object under /dev/shm; the producer
// and consumer are different processes, or at least different
// goroutines that never synchronize except through the two indices.
//
// The cell layout and the atomic/unsafe-pointer overlay style follow
// the teacher package's shm.RingBuffer (shm/seqlock.go), generalized
// from fixed 64-byte BBO records to variable-length framed messages.
package spscq

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/alephtx/tcpshm/internal/mmapregion"
	"github.com/alephtx/tcpshm/wire"
)

// CellSize is the size in bytes of one ring cell. A message occupies
// ceil(header.Size/CellSize) consecutive cells.
const CellSize = 64

// headerSize is the size of the header at the start of every message;
// we reuse wire.Header's 8-byte layout as the cell header, matching
// spec.md's "header*" wording, just with a wider cell.
const headerSize = wire.HeaderSize

// cacheLineSize is the cache-line size used to separate write_idx from
// read_idx so producer and consumer never false-share a line, per
// spec.md §4.2's ordering note and the teacher's own "cache-line
// aligned" RingBuffer comment.
const cacheLineSize = 64

// layout of the control region that precedes the cell array:
//
//	[0:8)   write_idx (uint64, atomic)
//	[8:64)  padding to the next cache line
//	[64:72) read_idx (uint64, atomic)
//	[72:128) padding
//	[128:)  cell array
const (
	writeIdxOffset = 0
	readIdxOffset  = cacheLineSize
	controlSize    = 2 * cacheLineSize
)

// Ring is a shared-memory SPSC variable-size message ring. Exactly one
// goroutine/process may call the producer methods (Alloc/Push) and
// exactly one (possibly different) goroutine/process may call the
// consumer methods (Front/Pop); the two sides only ever touch the same
// bytes through write_idx and read_idx.
type Ring struct {
	region   *mmapregion.Region
	cells    []byte // region.Bytes[controlSize:], len == capacity*CellSize
	capacity uint64 // power of two, in cells
	order    wire.Order
}

// Open maps (creating if needed) a shared-memory ring of capacity
// cells, where capacity must be a power of two.
func Open(path string, capacity uint64, order wire.Order) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("spscq: capacity %d is not a power of two", capacity)
	}
	size := controlSize + int(capacity)*CellSize
	region, err := mmapregion.MapShm(path, size)
	if err != nil {
		return nil, fmt.Errorf("spscq: %w", err)
	}
	return &Ring{
		region:   region,
		cells:    region.Bytes[controlSize:],
		capacity: capacity,
		order:    order,
	}, nil
}

// Close unmaps the ring's backing shared-memory object.
func (r *Ring) Close() error {
	return r.region.Close()
}

// Reset zeroes the ring's indices and cell storage, discarding any
// queued content. Callers must guarantee no concurrent Alloc/Push/
// Front/Pop is in flight; this mirrors the original's memset of
// shm_sendq_/shm_recvq_ when a stale peer identity is detected at
// login, since a fresh shared-memory ring carries no durable sequence
// history to rewind the way a PTCPQueue does.
func (r *Ring) Reset() {
	for i := range r.region.Bytes {
		r.region.Bytes[i] = 0
	}
}

func (r *Ring) writeIdxPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.region.Bytes[writeIdxOffset]))
}
func (r *Ring) readIdxPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.region.Bytes[readIdxOffset]))
}

func (r *Ring) loadWriteIdx() uint64  { return atomic.LoadUint64(r.writeIdxPtr()) }
func (r *Ring) storeWriteIdx(v uint64) { atomic.StoreUint64(r.writeIdxPtr(), v) }
func (r *Ring) loadReadIdx() uint64   { return atomic.LoadUint64(r.readIdxPtr()) }
func (r *Ring) storeReadIdx(v uint64) { atomic.StoreUint64(r.readIdxPtr(), v) }

// cellsFor returns the number of CellSize cells needed for a payload
// of frameSize bytes (header included).
func (r *Ring) cellsFor(frameSize uint16) uint64 {
	return uint64((uint32(frameSize) + CellSize - 1) / CellSize)
}

func (r *Ring) slot(idx uint64) []byte {
	off := (idx % r.capacity) * CellSize
	return r.cells[off : off+CellSize]
}

func (r *Ring) headerAt(idx uint64) wire.Header {
	return r.order.Decode(r.slot(idx))
}
func (r *Ring) setHeaderAt(idx uint64, h wire.Header) {
	r.order.Encode(r.slot(idx), h)
}

// Alloc reserves room for a message of payloadSize bytes (plus the
// embedded 8-byte header) and returns the contiguous byte slice to
// write into, starting at the header. ok is false if the ring does
// not have enough free space.
//
// If the message would straddle the end of the backing array, Alloc
// writes a size=0 sentinel at the current write position, advances
// write_idx past the padding, and allocates the message at index 0
// instead (spec.md §4.2, "Alloc(size)").
func (r *Ring) Alloc(payloadSize uint16) (frame []byte, ok bool) {
	frameSize := headerSize + int(payloadSize)
	needed := r.cellsFor(uint16(frameSize))

	writeIdx := r.loadWriteIdx()
	readIdx := r.loadReadIdx()
	used := writeIdx - readIdx
	free := r.capacity - used

	pos := writeIdx % r.capacity
	tailCells := r.capacity - pos
	if needed > tailCells {
		// Wrapping requires the sentinel cell itself plus the message.
		if needed+tailCells > free {
			return nil, false
		}
		r.setHeaderAt(writeIdx, wire.Header{Size: 0})
		writeIdx += tailCells
		r.storeWriteIdx(writeIdx)
	} else if needed > free {
		return nil, false
	}

	r.setHeaderAt(writeIdx, wire.Header{Size: uint16(frameSize)})
	start := (writeIdx % r.capacity) * CellSize
	return r.cells[start : start+needed*CellSize], true
}

// Push publishes the message most recently returned by Alloc: it
// advances write_idx by the message's cell count. A compiler memory
// fence (expressed here as an atomic store, since Go offers no bare
// compiler-only barrier) precedes the publication so the consumer
// never observes the new write_idx before the header/payload writes
// above are visible (spec.md §4.2, "Ordering").
func (r *Ring) Push() {
	writeIdx := r.loadWriteIdx()
	h := r.headerAt(writeIdx)
	needed := r.cellsFor(h.Size)
	r.storeWriteIdx(writeIdx + needed)
}

// Front returns the oldest unread message's header and payload slice,
// or ok=false if the ring is empty. A size==0 cell is a wrap sentinel:
// Front advances read_idx to the next multiple of capacity and
// retries transparently.
func (r *Ring) Front() (h wire.Header, payload []byte, ok bool) {
	for {
		readIdx := r.loadReadIdx()
		writeIdx := r.loadWriteIdx()
		if readIdx == writeIdx {
			return wire.Header{}, nil, false
		}
		hdr := r.headerAt(readIdx)
		if hdr.Size == 0 {
			// sentinel: skip to the next multiple of capacity
			next := (readIdx/r.capacity + 1) * r.capacity
			r.storeReadIdx(next)
			continue
		}
		start := (readIdx % r.capacity) * CellSize
		return hdr, r.cells[start+headerSize : start+uint64(hdr.Size)], true
	}
}

// Pop advances read_idx past the message most recently returned by
// Front, by its cell count.
func (r *Ring) Pop(size uint16) {
	readIdx := r.loadReadIdx()
	r.storeReadIdx(readIdx + r.cellsFor(size))
}

// Depth returns the number of cells currently occupied between
// read_idx and write_idx, for metrics.Set.QueueDepth.
func (r *Ring) Depth() uint64 {
	return r.loadWriteIdx() - r.loadReadIdx()
}

// Capacity returns the ring's capacity in cells.
func (r *Ring) Capacity() uint64 { return r.capacity }
