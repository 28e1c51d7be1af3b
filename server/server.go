// Package server implements TcpShmServer, the listening side of the
// protocol described in spec.md §4.6: a fixed slot pool split into
// SHM and TCP connection groups, a control thread (PollCtl) handling
// accepts and the login handshake, and one data-thread poll function
// per group (PollTcp/PollShm).
//
// Grounded on original_source/tcpshm_server.h for the algorithm, and
// on the teacher package's main.go for the goroutine/context
// orchestration style and exchanges/base.go's reconnect-loop idiom
// for PollCtl's own retry-on-EAGAIN shape. Logging follows
// runZeroInc-sockstats/cmd/get's plain logrus.Infof/Warnf style.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/alephtx/tcpshm/internal/rawfd"
	"github.com/alephtx/tcpshm/metrics"
	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/tcpshmconn"
	"github.com/alephtx/tcpshm/wire"
)

// Callbacks is the application's hook set, generalizing the CRTP
// Derived pattern of the original C++ (TcpShmServer<Derived, Conf>)
// into a plain Go interface.
type Callbacks interface {
	OnSystemError(kind string, err error)
	OnNewConnection(addr net.Addr, login tcpshmconn.LoginMsg, rsp *tcpshmconn.LoginRspMsg) (grpID int, ok bool)
	OnClientFileError(conn *tcpshmconn.Conn, err error)
	OnSeqNumberMismatch(conn *tcpshmconn.Conn, localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32)
	OnClientLogon(addr net.Addr, conn *tcpshmconn.Conn)
	OnClientDisconnected(conn *tcpshmconn.Conn, reason ptcpconn.CloseReason)
	OnClientMsg(conn *tcpshmconn.Conn, frame []byte)
}

// Config carries the server's share of spec.md §6's configuration
// descriptor.
type Config struct {
	ServerName           string
	PtcpDir              string
	Order                wire.Order
	ShmQueueSize         uint64
	PTCP                 ptcpconn.Conf
	MaxNewConnections    int
	MaxShmGrps           int
	MaxShmConnsPerGrp    int
	MaxTcpGrps           int
	MaxTcpConnsPerGrp    int
	NewConnectionTimeout int64 // nanoseconds
}

// loginFrameLen is the fixed on-wire size of a login request frame
// (header + LoginMsg payload, rounded up to 8 bytes). The server
// rejects anything that does not arrive as exactly one recv() of this
// size, matching the original implementation's simplifying
// assumption that the login message is never split across reads.
var loginFrameLen = int(wire.FrameLen(wire.HeaderSize + tcpshmconn.LoginMsgSize))

var loginRspFrameLen = int(wire.FrameLen(wire.HeaderSize + tcpshmconn.LoginRspMsgSize))

type pendingConn struct {
	fd      int
	addr    net.Addr
	openAt  int64
	recvBuf []byte
}

type group struct {
	label   string // metrics label, e.g. "grp0"
	channel string // "tcp" or "shm"
	liveCnt int32  // atomic; see spec.md §4.6/§5 live_cnt boundary
	conns   []*tcpshmconn.Conn
}

// Server is the listening side of one tcpshm endpoint.
type Server struct {
	cfg Config
	cb  Callbacks
	log *logrus.Entry
	met *metrics.Set

	listener *net.TCPListener

	pending    []*pendingConn // len MaxNewConnections; nil entry = free slot
	shmGrps    []*group
	tcpGrps    []*group
	connPool   []*tcpshmconn.Conn
}

// New builds a Server with its slot pool preallocated, mirroring the
// constructor in tcpshm_server.h.
func New(cfg Config, cb Callbacks, log *logrus.Entry, met *metrics.Set) *Server {
	if err := os.MkdirAll(cfg.PtcpDir, 0755); err != nil && log != nil {
		log.WithError(err).Warn("mkdir ptcp_dir failed")
	}
	total := cfg.MaxShmConnsPerGrp*cfg.MaxShmGrps + cfg.MaxTcpConnsPerGrp*cfg.MaxTcpGrps
	s := &Server{
		cfg:      cfg,
		cb:       cb,
		log:      log,
		met:      met,
		pending:  make([]*pendingConn, cfg.MaxNewConnections),
		connPool: make([]*tcpshmconn.Conn, 0, total),
	}
	for i := 0; i < total; i++ {
		s.connPool = append(s.connPool, tcpshmconn.New(cfg.PTCP, cfg.Order, cfg.ServerName, cfg.PtcpDir, cfg.ShmQueueSize))
	}
	idx := 0
	s.shmGrps = make([]*group, cfg.MaxShmGrps)
	for g := range s.shmGrps {
		grp := &group{label: fmt.Sprintf("grp%d", g), channel: "shm", conns: make([]*tcpshmconn.Conn, cfg.MaxShmConnsPerGrp)}
		for i := range grp.conns {
			grp.conns[i] = s.connPool[idx]
			idx++
		}
		s.shmGrps[g] = grp
	}
	s.tcpGrps = make([]*group, cfg.MaxTcpGrps)
	for g := range s.tcpGrps {
		grp := &group{label: fmt.Sprintf("grp%d", g), channel: "tcp", conns: make([]*tcpshmconn.Conn, cfg.MaxTcpConnsPerGrp)}
		for i := range grp.conns {
			grp.conns[i] = s.connPool[idx]
			idx++
		}
		s.tcpGrps[g] = grp
	}
	return s
}

// Start begins listening on addr.
func (s *Server) Start(addr string) error {
	if s.listener != nil {
		err := fmt.Errorf("already started")
		s.cb.OnSystemError("already started", err)
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cb.OnSystemError("listen", err)
		return err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("server: expected a TCP listener")
	}
	s.listener = tcpLn
	return nil
}

// Addr returns the listener's bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, every pending login socket, and releases
// every slot in the pool.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	_ = s.listener.Close()
	s.listener = nil
	for i, p := range s.pending {
		if p != nil {
			_ = unix.Close(p.fd)
			s.pending[i] = nil
		}
	}
	for _, grp := range s.shmGrps {
		for _, c := range grp.conns {
			c.Release()
		}
		atomic.StoreInt32(&grp.liveCnt, 0)
	}
	for _, grp := range s.tcpGrps {
		for _, c := range grp.conns {
			c.Release()
		}
		atomic.StoreInt32(&grp.liveCnt, 0)
	}
}

// PollCtl accepts at most one new socket per call, advances every
// pending login, and sweeps closed connections out of every group.
// This is the server's single control-thread entry point.
func (s *Server) PollCtl(now int64) {
	s.acceptOne(now)
	s.pollPending(now)
	s.pollShmHeartbeats(now)
	s.sweepClosed(s.shmGrps)
	s.sweepClosed(s.tcpGrps)
}

// pollShmHeartbeats drives the TCP control channel of every SHM-mode
// connection: sending/expecting heartbeats and detecting TCP-side
// timeout or a protocol violation (a non-heartbeat frame arriving on
// a pure-SHM connection's TCP side). SHM groups have no dedicated
// PollTcp data thread, so the control thread must poll this itself,
// the same way the original's PollCtl loops shm_grps_ calling
// conn.TcpFront(now) and discarding the result.
func (s *Server) pollShmHeartbeats(now int64) {
	for _, grp := range s.shmGrps {
		live := int(atomic.LoadInt32(&grp.liveCnt))
		for i := 0; i < live && i < len(grp.conns); i++ {
			grp.conns[i].TcpFront(now)
		}
	}
}

func (s *Server) acceptOne(now int64) {
	slot := -1
	for i, p := range s.pending {
		if p == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return
	}
	// Non-blocking accept: a past deadline makes Accept return
	// immediately if nothing is pending, the net package's idiom for
	// a poll-once-per-tick accept loop.
	_ = s.listener.SetDeadline(time.Now())
	conn, err := s.listener.Accept()
	if err != nil {
		return // includes the expected i/o timeout when nothing is waiting
	}
	fd, err := rawfd.Take(conn)
	if err != nil {
		s.cb.OnSystemError("dup accepted fd", err)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		s.cb.OnSystemError("set nonblocking", err)
		_ = unix.Close(fd)
		return
	}
	s.pending[slot] = &pendingConn{
		fd:      fd,
		addr:    conn.RemoteAddr(),
		openAt:  now,
		recvBuf: make([]byte, loginFrameLen),
	}
}

func (s *Server) pollPending(now int64) {
	for i, p := range s.pending {
		if p == nil {
			continue
		}
		n, err := unix.Read(p.fd, p.recvBuf)
		if n < 0 {
			n = 0
		}
		if err != nil && errors.Is(err, unix.EAGAIN) && now-p.openAt <= s.cfg.NewConnectionTimeout {
			continue
		}
		if n == loginFrameLen {
			s.tryHandleLogin(now, p)
		}
		_ = unix.Close(p.fd)
		s.pending[i] = nil
	}
}

func (s *Server) tryHandleLogin(now int64, p *pendingConn) {
	h := s.cfg.Order.Decode(p.recvBuf)
	if int(h.Size) != wire.HeaderSize+tcpshmconn.LoginMsgSize || h.MsgType != wire.MsgTypeLogin {
		return
	}
	login := tcpshmconn.DecodeLoginMsg(p.recvBuf[wire.HeaderSize:], s.cfg.Order)
	remoteAckSeq := h.AckSeq
	if login.ClientName == "" {
		s.sendLoginRsp(p.fd, tcpshmconn.LoginRspMsg{
			Status:   tcpshmconn.LoginStatusError,
			ErrorMsg: "Invalid client name",
		})
		return
	}

	rsp := tcpshmconn.LoginRspMsg{ServerName: s.cfg.ServerName, Status: tcpshmconn.LoginStatusError}
	grpID, ok := s.cb.OnNewConnection(p.addr, login, &rsp)
	if !ok {
		if rsp.ErrorMsg == "" {
			rsp.ErrorMsg = "Login Reject"
		}
		s.sendLoginRsp(p.fd, rsp)
		return
	}

	grps := s.tcpGrps
	if login.UseShm {
		grps = s.shmGrps
	}
	if grpID < 0 || grpID >= len(grps) {
		rsp.ErrorMsg = "Login Reject"
		s.sendLoginRsp(p.fd, rsp)
		return
	}
	grp := grps[grpID]

	for i, conn := range grp.conns {
		remoteName := conn.GetRemoteName()
		if remoteName == "" {
			conn.Bind(login.ClientName)
			remoteName = login.ClientName
		}
		if remoteName != login.ClientName {
			continue
		}
		if i < int(atomic.LoadInt32(&grp.liveCnt)) {
			rsp.ErrorMsg = "Already logged on"
			s.sendLoginRsp(p.fd, rsp)
			return
		}
		if err := conn.OpenFile(login.UseShm); err != nil {
			s.cb.OnClientFileError(conn, err)
			rsp.ErrorMsg = "System error"
			s.sendLoginRsp(p.fd, rsp)
			return
		}

		var localAckSeq, localSeqStart, localSeqEnd uint32
		remoteSeqStart, remoteSeqEnd := login.ClientSeqStart, login.ClientSeqEnd
		if login.LastServerName != s.cfg.ServerName {
			conn.Reset()
			remoteAckSeq, remoteSeqStart, remoteSeqEnd = 0, 0, 0
		} else {
			var err error
			localAckSeq, localSeqStart, localSeqEnd, err = conn.GetSeq()
			if err != nil {
				s.cb.OnClientFileError(conn, err)
				rsp.ErrorMsg = "System error"
				s.sendLoginRsp(p.fd, rsp)
				return
			}
		}
		rsp.ServerSeqStart, rsp.ServerSeqEnd = localSeqStart, localSeqEnd

		if !checkAckInQueue(remoteAckSeq, localSeqStart, localSeqEnd) ||
			!checkAckInQueue(localAckSeq, remoteSeqStart, remoteSeqEnd) {
			s.cb.OnSeqNumberMismatch(conn, localAckSeq, localSeqStart, localSeqEnd,
				remoteAckSeq, remoteSeqStart, remoteSeqEnd)
			rsp.Status = tcpshmconn.LoginStatusSeqMismatch
			s.sendLoginRspAck(p.fd, rsp, localAckSeq)
			return
		}

		rsp.Status = tcpshmconn.LoginStatusOK
		if !s.sendLoginRspAck(p.fd, rsp, localAckSeq) {
			return
		}
		if err := conn.Open(p.fd, remoteAckSeq, now); err != nil {
			s.cb.OnSystemError("conn open", err)
			return
		}
		p.fd = -1 // ownership transferred to conn; caller must not close it
		live := int(atomic.LoadInt32(&grp.liveCnt))
		grp.conns[i], grp.conns[live] = grp.conns[live], grp.conns[i]
		atomic.StoreInt32(&grp.liveCnt, int32(live+1))
		if s.met != nil {
			s.met.LiveConns.WithLabelValues(grp.label, grp.channel).Inc()
			if login.LastServerName == s.cfg.ServerName {
				s.met.Reconnects.WithLabelValues(login.ClientName).Inc()
			}
			conn.SetMetrics(s.met, login.ClientName)
		}
		if s.log != nil {
			s.log.Infof("client %q (conn=%s) logged on from %s (shm=%v)", login.ClientName, conn.ConnID(), p.addr, login.UseShm)
		}
		s.cb.OnClientLogon(p.addr, conn)
		return
	}
	rsp.ErrorMsg = "Max client cnt exceeded"
	s.sendLoginRsp(p.fd, rsp)
}

func (s *Server) sendLoginRsp(fd int, rsp tcpshmconn.LoginRspMsg) {
	s.sendLoginRspAck(fd, rsp, 0)
}

func (s *Server) sendLoginRspAck(fd int, rsp tcpshmconn.LoginRspMsg, ackSeq uint32) bool {
	buf := make([]byte, loginRspFrameLen)
	s.cfg.Order.Encode(buf, wire.Header{
		Size:    uint16(wire.HeaderSize + tcpshmconn.LoginRspMsgSize),
		MsgType: wire.MsgTypeLoginResp,
		AckSeq:  ackSeq,
	})
	tcpshmconn.EncodeLoginRspMsg(buf[wire.HeaderSize:], s.cfg.Order, rsp)
	n, err := unix.Write(fd, buf)
	return err == nil && n == len(buf)
}

// sweepClosed performs TryCloseFd across every live connection in
// every group and demotes any that finished closing. This runs on the
// control thread only; liveCnt is published via atomic store so the
// data-thread poll loops (PollTcp/PollShm) observe it safely, matching
// the control/data live_cnt boundary from spec.md §4.6.
func (s *Server) sweepClosed(grps []*group) {
	for _, grp := range grps {
		i := 0
		live := int(atomic.LoadInt32(&grp.liveCnt))
		for i < live {
			conn := grp.conns[i]
			if conn.TryCloseFd() {
				reason := conn.GetCloseReason()
				if s.met != nil {
					s.met.LiveConns.WithLabelValues(grp.label, grp.channel).Dec()
					s.met.Disconnects.WithLabelValues(conn.GetRemoteName(), reason.Kind.String()).Inc()
				}
				if s.log != nil {
					s.log.Infof("client %q (conn=%s) disconnected: %s", conn.GetRemoteName(), conn.ConnID(), reason)
				}
				s.cb.OnClientDisconnected(conn, reason)
				live--
				grp.conns[i], grp.conns[live] = grp.conns[live], grp.conns[i]
				atomic.StoreInt32(&grp.liveCnt, int32(live))
			} else {
				i++
			}
		}
	}
}

// PollTcp drives heartbeats and application message delivery for one
// TCP group; call it from that group's dedicated data goroutine.
func (s *Server) PollTcp(now int64, grpID int) {
	grp := s.tcpGrps[grpID]
	n := int(atomic.LoadInt32(&grp.liveCnt))
	for i := 0; i < n && i < len(grp.conns); i++ {
		conn := grp.conns[i]
		if frame := conn.TcpFront(now); frame != nil {
			s.cb.OnClientMsg(conn, frame)
		}
	}
}

// PollShm drives application message delivery for one SHM group; call
// it from that group's dedicated data goroutine.
func (s *Server) PollShm(grpID int) {
	grp := s.shmGrps[grpID]
	n := int(atomic.LoadInt32(&grp.liveCnt))
	for i := 0; i < n && i < len(grp.conns); i++ {
		conn := grp.conns[i]
		if frame := conn.ShmFront(); frame != nil {
			s.cb.OnClientMsg(conn, frame)
		}
	}
}

func checkAckInQueue(ackSeq, seqStart, seqEnd uint32) bool {
	return !wire.SeqLess(ackSeq, seqStart) && !wire.SeqLess(seqEnd, ackSeq)
}
