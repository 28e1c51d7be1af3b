// Package ptcpconn implements PTCPConnection, the non-blocking TCP
// socket I/O and receive-framing state machine described in spec.md
// §4.3. It owns a ptcpq.Queue (except in pure-SHM mode, where it only
// still carries heartbeats and the login handshake) and a growable
// receive buffer.
//
// A Conn is single-threaded except RequestClose, which may be called
// from another goroutine to request a two-phase shutdown: it marks
// the connection closed without touching the fd, and the owning
// goroutine later calls TryCloseFd to actually close(2) it.
package ptcpconn

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/alephtx/tcpshm/metrics"
	"github.com/alephtx/tcpshm/ptcpq"
	"github.com/alephtx/tcpshm/wire"
)

// Conf carries the subset of the connection configuration (spec.md
// §6) that PTCPConnection itself needs. tcpshmconfig.Conf converts
// into this when constructing a Conn.
type Conf struct {
	TcpQueueSize       uint32
	TcpRecvBufInitSize uint32
	TcpRecvBufMaxSize  uint32
	TcpNoDelay         bool
	HeartBeatInverval  int64 // nanoseconds
	ConnectionTimeout  int64 // nanoseconds
}

// Conn is one TCP-side connection: socket I/O, receive framing, and
// (unless pure-SHM) the durable send/ack queue.
type Conn struct {
	conf  Conf
	order wire.Order

	q *ptcpq.Queue // nil in pure-SHM mode

	fd        int
	fdToClose int

	recvBuf     []byte
	recvBufSize uint32
	writeIdx    uint32
	nextMsgIdx  uint32
	readIdx     uint32

	recvTime int64
	sendTime int64
	now      int64

	hbFrame [wire.HeaderSize]byte

	lastMyAck uint32

	reason CloseReason

	met  *metrics.Set // nil unless SetMetrics was called
	peer string
}

// SetMetrics attaches a metrics.Set and the peer label to record
// byte/heartbeat/queue-depth samples under. Optional: a Conn with no
// metrics attached behaves exactly as before.
func (c *Conn) SetMetrics(met *metrics.Set, peer string) {
	c.met = met
	c.peer = peer
}

// New constructs a Conn in its unopened state. Call OpenFile (unless
// pure-SHM) and then Open once a socket is available.
func New(conf Conf, order wire.Order) *Conn {
	c := &Conn{conf: conf, order: order, fd: -1, fdToClose: -1}
	order.Encode(c.hbFrame[:], wire.Header{Size: wire.HeaderSize, MsgType: wire.MsgTypeHeartbeat})
	return c
}

// OpenFile maps the persistent queue file backing this connection.
// Idempotent. Not called at all for a pure-SHM connection.
func (c *Conn) OpenFile(path string) error {
	if c.q != nil {
		return nil
	}
	q, err := ptcpq.Open(path, c.conf.TcpQueueSize, c.order)
	if err != nil {
		return err
	}
	c.q = q
	return nil
}

// UseShm reports whether this connection has no PTCP queue of its
// own, i.e. it only ferries heartbeats and login frames for a
// TcpShmConnection whose application traffic rides the SPSC rings.
func (c *Conn) UseShm() bool { return c.q == nil }

// GetSeq returns the local cumulative-ack counter and the local send
// sequence range, for use in the login handshake.
func (c *Conn) GetSeq() (localAckSeq, localSeqStart, localSeqEnd uint32, ok bool) {
	localAckSeq = c.q.MyAckValue()
	localSeqStart, localSeqEnd, ok = c.q.SanityCheckAndGetSeq()
	return
}

// Reset zeroes the persistent queue, discarding unacked history.
func (c *Conn) Reset() {
	if c.q != nil {
		c.q.Reset()
	}
}

// Release closes the connection and the queue file for good. Used
// when shutting down or when a client abandons a stale server
// identity (spec.md §4.5 step 2).
func (c *Conn) Release() {
	c.close(closeReason(KindRelease, nil))
	c.TryCloseFd()
	if c.q != nil {
		_ = c.q.Close()
		c.q = nil
	}
}

// Open attaches a freshly accepted/connected socket, identified by
// its raw file descriptor. Precondition: the connection is not
// already open (IsClosed() and TryCloseFd() have both been satisfied
// for any previous socket).
func (c *Conn) Open(fd int, remoteAckSeq uint32, now int64) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if c.conf.TcpNoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	c.fd, c.fdToClose = fd, fd
	c.writeIdx, c.readIdx, c.nextMsgIdx = 0, 0, 0
	c.recvTime, c.sendTime, c.now = now, now, now
	c.reason = CloseReason{}
	if c.q != nil {
		c.q.LoginAck(remoteAckSeq)
		c.SendPending()
	}
	if c.recvBufSize == 0 {
		c.recvBufSize = c.conf.TcpRecvBufInitSize
		c.recvBuf = make([]byte, c.recvBufSize)
	}
	return nil
}

// Alloc reserves room in the queue for an outbound message.
func (c *Conn) Alloc(size uint16) (frame []byte, cell uint32, ok bool) {
	return c.q.Alloc(size)
}

// Push commits the message allocated at cell and attempts an
// opportunistic flush.
func (c *Conn) Push(cell uint32) {
	c.q.Push(cell)
	c.SendPending()
}

// PushMore is like Push but skips the flush, for batching multiple
// messages before one send.
func (c *Conn) PushMore(cell uint32) {
	c.q.Push(cell)
}

// Front returns the next complete inbound application frame (header
// included), or nil if none is ready yet. Safe to call when closed.
func (c *Conn) Front() []byte {
	if c.UseShm() {
		return c.frontShmTcp()
	}
	held := false
	for c.nextMsgIdx != c.readIdx {
		h := c.order.Decode(c.recvBuf[c.readIdx:])
		if h.MsgType == wire.MsgTypeHeartbeat {
			c.readIdx += wire.HeaderSize
			continue
		}
		// if the application didn't Pop the last message, keep reading
		// so ack_seq still advances, but don't return it twice.
		if c.lastMyAck == c.q.MyAckValue() {
			held = true
			break
		}
		c.lastMyAck = c.q.MyAckValue()
		return c.recvBuf[c.readIdx : c.readIdx+wire.FrameLen(h.Size)]
	}

	if n := c.doRecv(); n > 0 {
		c.writeIdx += uint32(n)
		for c.writeIdx-c.nextMsgIdx >= wire.HeaderSize {
			h := c.order.Decode(c.recvBuf[c.nextMsgIdx:])
			c.q.Ack(h.AckSeq)
			msgSize := wire.FrameLen(h.Size)
			if msgSize > c.conf.TcpRecvBufMaxSize {
				c.close(closeReason(KindMsgTooLarge, nil))
				return nil
			}
			if c.writeIdx-c.nextMsgIdx < msgSize {
				break
			}
			if h.MsgType == wire.MsgTypeHeartbeat && c.readIdx == c.nextMsgIdx {
				c.readIdx += msgSize
			}
			c.nextMsgIdx += msgSize
		}
	}
	if c.readIdx != c.nextMsgIdx && !held {
		h := c.order.Decode(c.recvBuf[c.readIdx:])
		c.lastMyAck = c.q.MyAckValue()
		return c.recvBuf[c.readIdx : c.readIdx+wire.FrameLen(h.Size)]
	}
	return nil
}

// frontShmTcp drains the TCP channel of a shared-memory connection. A
// SHM connection's TCP side only ever carries heartbeats and login
// traffic; any application frame arriving on it is a protocol
// violation (spec.md §4.3's open question, resolved: do not silently
// accept it) and closes the connection.
func (c *Conn) frontShmTcp() []byte {
	if n := c.doRecv(); n > 0 {
		c.writeIdx += uint32(n)
	}
	for c.writeIdx-c.readIdx >= wire.HeaderSize {
		h := c.order.Decode(c.recvBuf[c.readIdx:])
		msgSize := wire.FrameLen(h.Size)
		if msgSize > c.conf.TcpRecvBufMaxSize {
			c.close(closeReason(KindMsgTooLarge, nil))
			return nil
		}
		if c.writeIdx-c.readIdx < msgSize {
			break
		}
		if h.MsgType != wire.MsgTypeHeartbeat {
			c.close(closeReason(KindShmTcpAppMsg, nil))
			return nil
		}
		c.readIdx += msgSize
	}
	if c.readIdx == c.writeIdx {
		c.readIdx, c.writeIdx = 0, 0
	}
	return nil
}

// Pop consumes the message most recently returned by Front and
// advances the local cumulative-ack counter.
func (c *Conn) Pop() {
	h := c.order.Decode(c.recvBuf[c.readIdx:])
	c.readIdx += wire.FrameLen(h.Size)
	c.q.IncMyAck()
}

// SendHB does nothing until the heartbeat interval has elapsed since
// the last send. Then it flushes pending data if any is queued, and
// otherwise sends a bare heartbeat frame carrying the current
// cumulative ack.
func (c *Conn) SendHB(now int64) {
	c.now = now
	if c.met != nil && c.q != nil {
		c.met.QueueDepth.WithLabelValues(c.peer, "tcp").Set(float64(c.q.Depth()))
	}
	if c.now-c.sendTime < c.conf.HeartBeatInverval {
		return
	}
	if c.q != nil {
		if c.SendPending() {
			return
		}
		c.order.Encode(c.hbFrame[:], wire.Header{Size: wire.HeaderSize, MsgType: wire.MsgTypeHeartbeat, AckSeq: c.q.MyAckValue()})
	}
	n, err := unix.Write(c.fd, c.hbFrame[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		c.close(closeReason(KindSendError, err))
		return
	}
	if n != wire.HeaderSize {
		c.close(closeReason(KindSendError, nil))
		return
	}
	c.sendTime = c.now
	if c.met != nil {
		c.met.Heartbeats.WithLabelValues(c.peer).Inc()
		c.met.BytesSent.WithLabelValues(c.peer).Add(float64(n))
	}
}

// SendPending writes as much of the queue's sendable region as the
// socket will currently accept. Returns false if the connection is
// closed, if there was nothing pending to send, or if the write failed
// and closed the connection.
func (c *Conn) SendPending() bool {
	if c.IsClosed() {
		return false
	}
	p := c.q.GetSendable()
	full := len(p)
	if full == 0 {
		return false
	}
	remaining := full
	for remaining > 0 {
		n, err := unix.Write(c.fd, p[full-remaining:full])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) && remaining%wire.HeaderSize == 0 {
				break
			}
			c.close(closeReason(KindSendError, err))
			return false
		}
		remaining -= n
	}
	sent := full - remaining
	sentCells := uint32(sent) / wire.HeaderSize
	if sentCells > 0 {
		c.sendTime = c.now
		c.q.Sendout(sentCells)
		if c.met != nil {
			c.met.BytesSent.WithLabelValues(c.peer).Add(float64(sent))
		}
	}
	return true
}

// IsClosed reports whether the connection has been marked closed. The
// fd may still be open, pending TryCloseFd.
func (c *Conn) IsClosed() bool { return c.fd < 0 }

// TryCloseFd performs the deferred close(2) if the connection has
// been marked closed but its fd has not yet been released. Not safe
// to call concurrently with itself, but safe alongside RequestClose.
func (c *Conn) TryCloseFd() bool {
	if c.fd < 0 && c.fdToClose >= 0 {
		_ = unix.Close(c.fdToClose)
		c.fdToClose = -1
		return true
	}
	return false
}

// GetCloseReason returns why the connection closed.
func (c *Conn) GetCloseReason() CloseReason { return c.reason }

// RequestClose marks the connection closed without touching the fd.
// Safe to call from a goroutine other than the connection's owner.
func (c *Conn) RequestClose() {
	c.close(closeReason(KindRequested, nil))
}

func (c *Conn) close(reason CloseReason) {
	if c.fd < 0 {
		return
	}
	c.fd = -1
	c.reason = reason
}

func (c *Conn) doRecv() int {
	var stackBuf [65536]byte
	if c.readIdx > 0 && c.readIdx == c.writeIdx {
		c.readIdx, c.nextMsgIdx, c.writeIdx = 0, 0, 0
	}
	writable := c.recvBufSize - c.writeIdx
	// avoid buffer expansion unless the tail+head free space is
	// already less than half the buffer
	allowExpand := (writable+c.readIdx)*2 < c.recvBufSize
	maxExtra := c.readIdx
	if allowExpand {
		maxExtra += c.conf.TcpRecvBufMaxSize - c.recvBufSize
	}
	extraSize := uint32(len(stackBuf))
	if extraSize > maxExtra {
		extraSize = maxExtra
	}
	if writable+extraSize == 0 {
		return 0
	}

	var n int
	var err error
	if extraSize == 0 {
		n, err = unix.Read(c.fd, c.recvBuf[c.writeIdx:c.writeIdx+writable])
	} else {
		iovs := make([]unix.Iovec, 2)
		iovs[0].Base = &c.recvBuf[c.writeIdx]
		iovs[0].SetLen(int(writable))
		iovs[1].Base = &stackBuf[0]
		iovs[1].SetLen(int(extraSize))
		n, err = unix.Readv(c.fd, iovs)
	}
	if n <= 0 {
		switch {
		case err == nil:
			c.close(closeReason(KindRemoteClose, nil))
		case errors.Is(err, unix.EAGAIN):
			if c.now-c.recvTime > c.conf.ConnectionTimeout {
				c.close(closeReason(KindTimeout, nil))
			}
		default:
			c.close(closeReason(KindReadError, err))
		}
		return 0
	}
	c.recvTime = c.now
	if c.met != nil {
		c.met.BytesReceived.WithLabelValues(c.peer).Add(float64(n))
	}
	un := uint32(n)
	if un <= writable {
		return n
	}
	if un <= writable+c.readIdx {
		copy(c.recvBuf[0:], c.recvBuf[c.readIdx:c.recvBufSize])
		copy(c.recvBuf[c.recvBufSize-c.readIdx:], stackBuf[:un-writable])
	} else {
		newSize := c.recvBufSize * 2
		need := (c.writeIdx - c.readIdx + un + 7) &^ 7
		if need > newSize {
			newSize = need
		}
		if newSize > c.conf.TcpRecvBufMaxSize {
			newSize = c.conf.TcpRecvBufMaxSize
		}
		newBuf := make([]byte, newSize)
		copy(newBuf, c.recvBuf[c.readIdx:c.recvBufSize])
		copy(newBuf[c.recvBufSize-c.readIdx:], stackBuf[:un-writable])
		c.recvBufSize = newSize
		c.recvBuf = newBuf
	}
	c.writeIdx -= c.readIdx
	c.nextMsgIdx -= c.readIdx
	c.readIdx = 0
	return n
}
