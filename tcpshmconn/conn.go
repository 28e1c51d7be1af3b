// Package tcpshmconn implements TcpShmConnection, the polymorphic
// connection handle described in spec.md §4.4: it always owns a PTCP
// connection (for login, heartbeats, and pure-TCP application
// traffic) and optionally two SPSC rings (send, receive) when the
// peer negotiated shared-memory mode at login.
package tcpshmconn

import (
	"fmt"
	"path/filepath"

	"github.com/rs/xid"

	"github.com/alephtx/tcpshm/metrics"
	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/spscq"
	"github.com/alephtx/tcpshm/wire"
)

// Conn is one logical connection to a peer: a slot in a server's or
// client's connection pool, bound to a remote name once a login
// succeeds.
type Conn struct {
	id         xid.ID // diagnostic id for log correlation, never sent on the wire
	localName  string
	remoteName string
	ptcpDir    string
	order      wire.Order
	shmCap     uint64

	ptcp     *ptcpconn.Conn
	shmSendQ *spscq.Ring
	shmRecvQ *spscq.Ring

	met  *metrics.Set // nil unless SetMetrics was called
	peer string

	// UserData is free for the application to stash per-connection
	// state in, mirroring Conf::ConnectionUserData.
	UserData any
}

// New constructs an unbound connection slot.
func New(conf ptcpconn.Conf, order wire.Order, localName, ptcpDir string, shmCapacity uint64) *Conn {
	return &Conn{
		id:        xid.New(),
		localName: localName,
		ptcpDir:   ptcpDir,
		order:     order,
		shmCap:    shmCapacity,
		ptcp:      ptcpconn.New(conf, order),
	}
}

// ConnID returns this slot's diagnostic correlation id: a short,
// sortable identifier assigned once when the slot is constructed and
// kept for the slot's lifetime (across logon/logoff cycles), for
// tying together log lines about the same connection object without
// relying on the remote name, which can be empty or reused.
func (c *Conn) ConnID() string { return c.id.String() }

// SetMetrics attaches a metrics.Set and the peer label this slot should
// record byte/heartbeat/queue-depth samples under, and forwards the
// TCP-channel share of that instrumentation to the underlying
// ptcpconn.Conn. Called once the peer's name is known, typically right
// after a successful login.
func (c *Conn) SetMetrics(met *metrics.Set, peer string) {
	c.met = met
	c.peer = peer
	c.ptcp.SetMetrics(met, peer)
}

// reportShmDepth publishes the current occupancy of both SHM rings, if
// this connection uses shared memory and has metrics attached. Called
// from TcpFront/ShmFront, which already run on every poll tick.
func (c *Conn) reportShmDepth() {
	if c.met == nil || c.shmSendQ == nil {
		return
	}
	c.met.QueueDepth.WithLabelValues(c.peer, "shm_send").Set(float64(c.shmSendQ.Depth()))
	c.met.QueueDepth.WithLabelValues(c.peer, "shm_recv").Set(float64(c.shmRecvQ.Depth()))
}

// Bind assigns the remote peer name to this slot; an empty
// remoteName means the slot is free.
func (c *Conn) Bind(remoteName string) { c.remoteName = remoteName }

// GetRemoteName returns the bound peer name, or "" if the slot is
// free.
func (c *Conn) GetRemoteName() string { return c.remoteName }

// GetLocalName returns this side's configured name.
func (c *Conn) GetLocalName() string { return c.localName }

// GetPtcpDir returns the directory PTCP queue files are stored under.
func (c *Conn) GetPtcpDir() string { return c.ptcpDir }

// GetPtcpFile returns the canonical PTCP queue file path for the
// current local/remote name pair.
func (c *Conn) GetPtcpFile() string {
	return filepath.Join(c.ptcpDir, c.localName+"_"+c.remoteName+".ptcp")
}

func (c *Conn) shmSendName() string { return c.localName + "_" + c.remoteName + ".shm" }
func (c *Conn) shmRecvName() string { return c.remoteName + "_" + c.localName + ".shm" }

// IsClosed reports whether the TCP side has been marked closed.
func (c *Conn) IsClosed() bool { return c.ptcp.IsClosed() }

// Close requests a two-phase close of the TCP side; safe to call from
// a goroutine other than the connection's owner.
func (c *Conn) Close() { c.ptcp.RequestClose() }

// GetCloseReason returns why the connection closed.
func (c *Conn) GetCloseReason() ptcpconn.CloseReason { return c.ptcp.GetCloseReason() }

// UseShm reports whether this connection negotiated shared-memory
// mode at login.
func (c *Conn) UseShm() bool { return c.shmSendQ != nil }

// OpenFile maps the backing files for this connection: the two SHM
// rings if useShm, or the PTCP queue file otherwise.
func (c *Conn) OpenFile(useShm bool) error {
	if useShm {
		if c.shmSendQ == nil {
			q, err := spscq.Open(c.shmSendName(), c.shmCap, c.order)
			if err != nil {
				return err
			}
			c.shmSendQ = q
		}
		if c.shmRecvQ == nil {
			q, err := spscq.Open(c.shmRecvName(), c.shmCap, c.order)
			if err != nil {
				return err
			}
			c.shmRecvQ = q
		}
		return nil
	}
	return c.ptcp.OpenFile(c.GetPtcpFile())
}

// GetSeq returns the local cumulative-ack counter and send sequence
// range, used during the login handshake. Always succeeds for a
// shared-memory connection, since SPSC rings carry no durable
// sequence history.
func (c *Conn) GetSeq() (localAckSeq, localSeqStart, localSeqEnd uint32, err error) {
	if c.shmSendQ != nil {
		return 0, 0, 0, nil
	}
	ackSeq, start, end, ok := c.ptcp.GetSeq()
	if !ok {
		return 0, 0, 0, fmt.Errorf("ptcp file corrupt")
	}
	return ackSeq, start, end, nil
}

// Reset discards queued history: zeroes the SHM rings, or the PTCP
// queue, whichever this connection uses. Called when a peer's
// identity turns out stale (its last-known server/client name doesn't
// match ours), mirroring the original's memset of shm_sendq_/
// shm_recvq_ in the same situation.
func (c *Conn) Reset() {
	if c.shmSendQ != nil {
		c.shmSendQ.Reset()
		c.shmRecvQ.Reset()
		return
	}
	c.ptcp.Reset()
}

// Release tears the connection all the way down: unbinds the slot and
// releases every backing mapping.
func (c *Conn) Release() {
	c.remoteName = ""
	if c.shmSendQ != nil {
		_ = c.shmSendQ.Close()
		c.shmSendQ = nil
	}
	if c.shmRecvQ != nil {
		_ = c.shmRecvQ.Close()
		c.shmRecvQ = nil
	}
	c.ptcp.Release()
}

// Open attaches a freshly accepted/connected socket (identified by
// its raw fd) to the TCP side.
func (c *Conn) Open(fd int, remoteAckSeq uint32, now int64) error {
	return c.ptcp.Open(fd, remoteAckSeq, now)
}

// TryCloseFd performs the deferred close(2) on the TCP socket if one
// is pending.
func (c *Conn) TryCloseFd() bool { return c.ptcp.TryCloseFd() }

// Alloc reserves room for an outbound application message, in
// whichever channel (SHM ring or PTCP queue) this connection uses.
func (c *Conn) Alloc(size uint16) (frame []byte, cell uint32, ok bool) {
	if c.shmSendQ != nil {
		frame, ok = c.shmSendQ.Alloc(size)
		return frame, 0, ok
	}
	return c.ptcp.Alloc(size)
}

// Push commits the message from Alloc and, for TCP, attempts an
// immediate flush.
func (c *Conn) Push(cell uint32) {
	if c.shmSendQ != nil {
		c.shmSendQ.Push()
		return
	}
	c.ptcp.Push(cell)
}

// PushMore is like Push but for TCP skips the flush, to batch several
// messages before one send. For SHM it is identical to Push, since
// there is no separate flush step.
func (c *Conn) PushMore(cell uint32) {
	if c.shmSendQ != nil {
		c.shmSendQ.Push()
		return
	}
	c.ptcp.PushMore(cell)
}

// Front returns the next complete inbound application message, or nil
// if none is ready. Callers normally use TcpFront/ShmFront instead so
// the server/client can dedicate one polling goroutine per channel.
func (c *Conn) Front() []byte {
	if c.shmRecvQ != nil {
		return c.shmFrontFrame()
	}
	return c.ptcp.Front()
}

// Pop consumes the message most recently returned by Front.
func (c *Conn) Pop() {
	if c.shmRecvQ != nil {
		if _, payload, ok := c.shmRecvQ.Front(); ok {
			c.shmRecvQ.Pop(wire.HeaderSize + uint16(len(payload)))
		}
		return
	}
	c.ptcp.Pop()
}

// TcpFront sends a heartbeat if due and polls the TCP channel. For a
// shared-memory connection this never returns an application message:
// the TCP side only still carries heartbeats and login traffic, and
// any application frame arriving on it is a protocol violation that
// closes the connection.
func (c *Conn) TcpFront(now int64) []byte {
	c.ptcp.SendHB(now)
	c.reportShmDepth()
	return c.ptcp.Front()
}

// ShmFront polls the receive ring directly, without touching the TCP
// side. Used by the data-thread loop dedicated to a SHM connection.
func (c *Conn) ShmFront() []byte {
	c.reportShmDepth()
	return c.shmFrontFrame()
}

func (c *Conn) shmFrontFrame() []byte {
	h, payload, ok := c.shmRecvQ.Front()
	if !ok {
		return nil
	}
	frame := make([]byte, wire.FrameLen(h.Size))
	c.order.Encode(frame, h)
	copy(frame[wire.HeaderSize:], payload)
	return frame
}
