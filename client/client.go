// Package client implements TcpShmClient, the dialing side of the
// protocol described in spec.md §4.5: a blocking Connect that performs
// the login handshake and hands the resulting socket off to a
// PTCPConnection, then the same PollTcp/PollShm data-thread split as
// the server side.
//
// Grounded on original_source/tcpshm_client.h for the handshake
// algorithm and its server-name-persistence file
// (<client>.lastserver), mmap'd the same way
// internal/mmapregion generalizes it. Logging follows the plain
// logrus.Infof/Warnf idiom confirmed in the reference pack.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alephtx/tcpshm/internal/mmapregion"
	"github.com/alephtx/tcpshm/internal/rawfd"
	"github.com/alephtx/tcpshm/metrics"
	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/tcpshmconn"
	"github.com/alephtx/tcpshm/wire"
)

// Callbacks is the application's hook set for a Client, generalizing
// the CRTP Derived pattern of TcpShmClient<Derived, Conf>.
type Callbacks interface {
	OnSystemError(kind string, err error)
	OnLoginReject(rsp tcpshmconn.LoginRspMsg)
	OnSeqNumberMismatch(localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32)
	// OnLoginSuccess returns the timestamp Connect should treat as
	// "now" when opening the connection, mirroring the original's
	// hook for supplying a monotonic clock reading.
	OnLoginSuccess(rsp tcpshmconn.LoginRspMsg) int64
	OnDisconnected(reason ptcpconn.CloseReason)
	OnServerMsg(frame []byte)
}

// Config carries the client's share of spec.md §6's configuration
// descriptor.
type Config struct {
	ClientName    string
	PtcpDir       string
	Order         wire.Order
	ShmQueueSize  uint64
	PTCP          ptcpconn.Conf
	DialTimeout   time.Duration
	HandshakeDeadline time.Duration
}

const serverNameFileSize = tcpshmconn.NameSize

// Client is one logical connection to a server: a single
// tcpshmconn.Conn plus the mmap'd record of which server this client
// last successfully logged on to.
type Client struct {
	cfg Config
	cb  Callbacks
	log *logrus.Entry
	met *metrics.Set

	conn       *tcpshmconn.Conn
	serverFile *mmapregion.Region
	serverName string // cached decode of serverFile.Bytes
}

// New builds an unconnected Client.
func New(cfg Config, cb Callbacks, log *logrus.Entry, met *metrics.Set) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeDeadline == 0 {
		cfg.HandshakeDeadline = 10 * time.Second
	}
	_ = os.MkdirAll(cfg.PtcpDir, 0755)
	return &Client{
		cfg:  cfg,
		cb:   cb,
		log:  log,
		met:  met,
		conn: tcpshmconn.New(cfg.PTCP, cfg.Order, cfg.ClientName, cfg.PtcpDir, cfg.ShmQueueSize),
	}
}

func (c *Client) lastServerFile() string {
	return filepath.Join(c.cfg.PtcpDir, c.cfg.ClientName+".lastserver")
}

func (c *Client) loadServerName() error {
	if c.serverFile != nil {
		return nil
	}
	region, err := mmapregion.MapFile(c.lastServerFile(), serverNameFileSize)
	if err != nil {
		return err
	}
	c.serverFile = region
	c.serverName = getFixedString(region.Bytes)
	return nil
}

func (c *Client) storeServerName(name string) {
	putFixedString(c.serverFile.Bytes, name)
	c.serverName = name
}

func getFixedString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func putFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// Connect dials addr, performs the login handshake, and on success
// attaches the resulting socket to the underlying PTCP/SHM connection.
// It blocks for up to HandshakeDeadline and returns false (after
// notifying a callback) on any failure.
func (c *Client) Connect(useShm bool, addr string, userData [tcpshmconn.LoginUserDataSize]byte) bool {
	if !c.conn.IsClosed() {
		c.cb.OnSystemError("already connected", errors.New("connect called on live connection"))
		return false
	}
	c.conn.TryCloseFd()

	if err := c.loadServerName(); err != nil {
		c.cb.OnSystemError("mmap lastserver file", err)
		return false
	}

	login := tcpshmconn.LoginMsg{
		ClientName:     c.cfg.ClientName,
		LastServerName: c.serverName,
		UseShm:         useShm,
		UserData:       userData,
	}
	var ackSeq uint32
	if c.serverName != "" {
		c.conn.Bind(c.serverName)
		if err := c.conn.OpenFile(useShm); err != nil {
			c.cb.OnSystemError("open ptcp/shm file", err)
			return false
		}
		var err error
		ackSeq, login.ClientSeqStart, login.ClientSeqEnd, err = c.conn.GetSeq()
		if err != nil {
			c.cb.OnSystemError("get sequence", err)
			return false
		}
	}

	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		c.cb.OnSystemError("dial", err)
		return false
	}
	deadline := time.Now().Add(c.cfg.HandshakeDeadline)
	_ = conn.SetDeadline(deadline)

	sendBuf := make([]byte, int(wire.FrameLen(wire.HeaderSize+tcpshmconn.LoginMsgSize)))
	c.cfg.Order.Encode(sendBuf, wire.Header{
		Size:    uint16(wire.HeaderSize + tcpshmconn.LoginMsgSize),
		MsgType: wire.MsgTypeLogin,
		AckSeq:  ackSeq,
	})
	tcpshmconn.EncodeLoginMsg(sendBuf[wire.HeaderSize:], c.cfg.Order, login)
	if _, err := conn.Write(sendBuf); err != nil {
		c.cb.OnSystemError("send login", err)
		_ = conn.Close()
		return false
	}

	rspBuf := make([]byte, int(wire.FrameLen(wire.HeaderSize+tcpshmconn.LoginRspMsgSize)))
	if _, err := readFull(conn, rspBuf); err != nil {
		c.cb.OnSystemError("recv login response", err)
		_ = conn.Close()
		return false
	}
	h := c.cfg.Order.Decode(rspBuf)
	rsp := tcpshmconn.DecodeLoginRspMsg(rspBuf[wire.HeaderSize:], c.cfg.Order)
	if int(h.Size) != wire.HeaderSize+tcpshmconn.LoginRspMsgSize || h.MsgType != wire.MsgTypeLoginResp || rsp.ServerName == "" {
		c.cb.OnSystemError("invalid login response", nil)
		_ = conn.Close()
		return false
	}

	switch rsp.Status {
	case tcpshmconn.LoginStatusSeqMismatch:
		c.cb.OnSeqNumberMismatch(ackSeq, login.ClientSeqStart, login.ClientSeqEnd,
			h.AckSeq, rsp.ServerSeqStart, rsp.ServerSeqEnd)
		_ = conn.Close()
		return false
	case tcpshmconn.LoginStatusError:
		c.cb.OnLoginReject(rsp)
		_ = conn.Close()
		return false
	}

	if rsp.ServerName != c.serverName {
		c.conn.Release()
		c.storeServerName(rsp.ServerName)
		c.conn.Bind(rsp.ServerName)
		if err := c.conn.OpenFile(useShm); err != nil {
			c.cb.OnSystemError("open ptcp/shm file", err)
			_ = conn.Close()
			return false
		}
		c.conn.Reset()
	}

	now := c.cb.OnLoginSuccess(rsp)
	_ = conn.SetDeadline(time.Time{})
	fd, err := rawfd.Take(conn)
	if err != nil {
		c.cb.OnSystemError("dup connected fd", err)
		return false
	}
	if err := c.conn.Open(fd, h.AckSeq, now); err != nil {
		c.cb.OnSystemError("open connection", err)
		return false
	}
	if c.log != nil {
		c.log.Infof("connected to server %q (conn=%s shm=%v)", rsp.ServerName, c.conn.ConnID(), useShm)
	}
	if c.met != nil {
		c.met.Reconnects.WithLabelValues(rsp.ServerName).Inc()
		c.conn.SetMetrics(c.met, rsp.ServerName)
	}
	return true
}

// PollTcp drives heartbeats and, when not using SHM, application
// message delivery; callers must invoke this even in SHM mode, since
// heartbeats and login traffic always ride the TCP channel.
func (c *Client) PollTcp(now int64) {
	if !c.conn.IsClosed() {
		if frame := c.conn.TcpFront(now); frame != nil {
			c.cb.OnServerMsg(frame)
		}
	}
	if c.conn.TryCloseFd() {
		reason := c.conn.GetCloseReason()
		if c.log != nil {
			c.log.Infof("disconnected from %q (conn=%s): %s", c.serverName, c.conn.ConnID(), reason)
		}
		c.cb.OnDisconnected(reason)
	}
}

// PollShm polls the receive ring directly; only meaningful once
// Connect succeeded with useShm true.
func (c *Client) PollShm() {
	if frame := c.conn.ShmFront(); frame != nil {
		c.cb.OnServerMsg(frame)
	}
}

// Alloc/Push/PushMore forward to the underlying connection, letting
// the application send without reaching into GetConnection.
func (c *Client) Alloc(size uint16) (frame []byte, cell uint32, ok bool) { return c.conn.Alloc(size) }
func (c *Client) Push(cell uint32)                                      { c.conn.Push(cell) }
func (c *Client) PushMore(cell uint32)                                  { c.conn.PushMore(cell) }

// GetConnection returns the underlying connection, kept valid as long
// as the Client itself is not released.
func (c *Client) GetConnection() *tcpshmconn.Conn { return c.conn }

// Stop releases the connection and unmaps the last-server file.
func (c *Client) Stop() {
	if c.serverFile != nil {
		_ = c.serverFile.Close()
		c.serverFile = nil
	}
	c.conn.Release()
}

func readFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return nil
			}
			return fmt.Errorf("short read (%d/%d): %w", total, len(buf), err)
		}
	}
	return nil
}
