package client_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alephtx/tcpshm/client"
	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/server"
	"github.com/alephtx/tcpshm/tcpshmconn"
	"github.com/alephtx/tcpshm/wire"
)

type serverCallbacks struct {
	mu      sync.Mutex
	logons  int
	msgs    [][]byte
	grantID int
}

func (s *serverCallbacks) OnSystemError(kind string, err error) {}
func (s *serverCallbacks) OnNewConnection(addr net.Addr, login tcpshmconn.LoginMsg, rsp *tcpshmconn.LoginRspMsg) (int, bool) {
	return s.grantID, true
}
func (s *serverCallbacks) OnClientFileError(conn *tcpshmconn.Conn, err error) {}
func (s *serverCallbacks) OnSeqNumberMismatch(conn *tcpshmconn.Conn, a, b, c, d, e, f uint32) {}
func (s *serverCallbacks) OnClientLogon(addr net.Addr, conn *tcpshmconn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logons++
}
func (s *serverCallbacks) OnClientDisconnected(conn *tcpshmconn.Conn, reason ptcpconn.CloseReason) {}
func (s *serverCallbacks) OnClientMsg(conn *tcpshmconn.Conn, frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.mu.Lock()
	s.msgs = append(s.msgs, cp)
	s.mu.Unlock()
	conn.Pop()
}

func (s *serverCallbacks) logonCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logons
}

func (s *serverCallbacks) msgCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type clientCallbacks struct {
	mu        sync.Mutex
	connected bool
	rejected  bool
	msgs      [][]byte
}

func (c *clientCallbacks) OnSystemError(kind string, err error) {}
func (c *clientCallbacks) OnLoginReject(rsp tcpshmconn.LoginRspMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
}
func (c *clientCallbacks) OnSeqNumberMismatch(a, b, cc, d, e, f uint32) {}
func (c *clientCallbacks) OnLoginSuccess(rsp tcpshmconn.LoginRspMsg) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return int64(time.Now().UnixNano())
}
func (c *clientCallbacks) OnDisconnected(reason ptcpconn.CloseReason) {}
func (c *clientCallbacks) OnServerMsg(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.mu.Lock()
	c.msgs = append(c.msgs, cp)
	c.mu.Unlock()
}

func testServerConfig(dir string) server.Config {
	return server.Config{
		ServerName:        "srv",
		PtcpDir:           dir,
		Order:             wire.LittleEndian,
		MaxNewConnections: 4,
		MaxTcpGrps:        1,
		MaxTcpConnsPerGrp: 2,
		PTCP:              testPTCPConf(),
		NewConnectionTimeout: int64(time.Second),
	}
}

func testPTCPConf() ptcpconn.Conf {
	return ptcpconn.Conf{
		TcpQueueSize:       64,
		TcpRecvBufInitSize: 256,
		TcpRecvBufMaxSize:  4096,
		HeartBeatInverval:  50 * int64(time.Millisecond),
		ConnectionTimeout:  2 * int64(time.Second),
	}
}

func runPollLoop(t *testing.T, srv *server.Server, stop <-chan struct{}) {
	t.Helper()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := int64(time.Now().UnixNano())
			srv.PollCtl(now)
			srv.PollTcp(now, 0)
		}
	}
}

func TestClientConnectsAndExchangesMessages(t *testing.T) {
	dir := t.TempDir()
	scb := &serverCallbacks{}
	srv := server.New(testServerConfig(dir), scb, nil, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		runPollLoop(t, srv, stop)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	ccb := &clientCallbacks{}
	cl := client.New(client.Config{
		ClientName: "alice",
		PtcpDir:    dir,
		Order:      wire.LittleEndian,
		PTCP:       testPTCPConf(),
	}, ccb, nil, nil)
	defer cl.Stop()

	ok := cl.Connect(false, srv.Addr().String(), [32]byte{})
	require.True(t, ok)
	require.True(t, ccb.connected)

	require.Eventually(t, func() bool {
		return scb.logonCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	frame, cell, ok := cl.Alloc(5)
	require.True(t, ok)
	h := wire.LittleEndian.Decode(frame)
	h.MsgType = 3
	wire.LittleEndian.Encode(frame, h)
	copy(frame[wire.HeaderSize:], []byte("hello"))
	cl.Push(cell)

	require.Eventually(t, func() bool {
		return scb.msgCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientRejectedWhenServerDenies(t *testing.T) {
	dir := t.TempDir()
	scb := &serverCallbacks{grantID: -1}
	cfg := testServerConfig(dir)
	srv := server.New(cfg, &denyingCallbacks{serverCallbacks: scb}, nil, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		runPollLoop(t, srv, stop)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	ccb := &clientCallbacks{}
	cl := client.New(client.Config{
		ClientName: "bob",
		PtcpDir:    dir,
		Order:      wire.LittleEndian,
		PTCP:       testPTCPConf(),
	}, ccb, nil, nil)
	defer cl.Stop()

	ok := cl.Connect(false, srv.Addr().String(), [32]byte{})
	require.False(t, ok)
	require.True(t, ccb.rejected)
}

// denyingCallbacks wraps serverCallbacks but always rejects the login,
// exercising the OnNewConnection(ok=false) path.
type denyingCallbacks struct {
	*serverCallbacks
}

func (d *denyingCallbacks) OnNewConnection(addr net.Addr, login tcpshmconn.LoginMsg, rsp *tcpshmconn.LoginRspMsg) (int, bool) {
	return -1, false
}
