package server

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/tcpshmconn"
	"github.com/alephtx/tcpshm/wire"
)

type recordingCallbacks struct {
	mu           sync.Mutex
	logons       []string
	disconnects  []string
	msgs         [][]byte
	seqMismatch  bool
	systemErrors []error
}

func (r *recordingCallbacks) OnSystemError(kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemErrors = append(r.systemErrors, err)
}

func (r *recordingCallbacks) OnNewConnection(addr net.Addr, login tcpshmconn.LoginMsg, rsp *tcpshmconn.LoginRspMsg) (int, bool) {
	return 0, true
}

func (r *recordingCallbacks) OnClientFileError(conn *tcpshmconn.Conn, err error) {}

func (r *recordingCallbacks) OnSeqNumberMismatch(conn *tcpshmconn.Conn, a, b, c, d, e, f uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqMismatch = true
}

func (r *recordingCallbacks) OnClientLogon(addr net.Addr, conn *tcpshmconn.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logons = append(r.logons, conn.GetRemoteName())
}

func (r *recordingCallbacks) OnClientDisconnected(conn *tcpshmconn.Conn, reason ptcpconn.CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, conn.GetRemoteName())
}

func (r *recordingCallbacks) OnClientMsg(conn *tcpshmconn.Conn, frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.mu.Lock()
	r.msgs = append(r.msgs, cp)
	r.mu.Unlock()
	conn.Pop()
}

func (r *recordingCallbacks) logonCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logons)
}

func (r *recordingCallbacks) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func (r *recordingCallbacks) msgCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func testServerConfig(dir string) Config {
	return Config{
		ServerName:        "srv",
		PtcpDir:           dir,
		Order:             wire.LittleEndian,
		MaxNewConnections: 4,
		MaxTcpGrps:        1,
		MaxTcpConnsPerGrp: 2,
		PTCP: ptcpconn.Conf{
			TcpQueueSize:       64,
			TcpRecvBufInitSize: 256,
			TcpRecvBufMaxSize:  4096,
			HeartBeatInverval:  50 * int64(time.Millisecond),
			ConnectionTimeout:  2 * int64(time.Second),
		},
		NewConnectionTimeout: int64(time.Second),
	}
}

func sendLoginFrame(t *testing.T, conn net.Conn, name string) {
	t.Helper()
	buf := make([]byte, loginFrameLen)
	wire.LittleEndian.Encode(buf, wire.Header{
		Size:    uint16(wire.HeaderSize + tcpshmconn.LoginMsgSize),
		MsgType: wire.MsgTypeLogin,
	})
	tcpshmconn.EncodeLoginMsg(buf[wire.HeaderSize:], wire.LittleEndian, tcpshmconn.LoginMsg{
		ClientName: name,
	})
	_, err := conn.Write(buf)
	require.NoError(t, err)
}

func readLoginRsp(t *testing.T, conn net.Conn) tcpshmconn.LoginRspMsg {
	t.Helper()
	buf := make([]byte, loginRspFrameLen)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := readFull(conn, buf)
	require.NoError(t, err)
	return tcpshmconn.DecodeLoginRspMsg(buf[wire.HeaderSize:], wire.LittleEndian)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestServerLoginHandshake(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallbacks{}
	srv := New(testServerConfig(dir), cb, nil, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	sendLoginFrame(t, client, "alice")

	require.Eventually(t, func() bool {
		srv.PollCtl(int64(time.Now().UnixNano()))
		return cb.logonCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	rsp := readLoginRsp(t, client)
	require.Equal(t, tcpshmconn.LoginStatusOK, rsp.Status)
	require.Equal(t, "srv", rsp.ServerName)
}

func TestServerRejectsDuplicateLogin(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallbacks{}
	srv := New(testServerConfig(dir), cb, nil, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	client1, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client1.Close()
	sendLoginFrame(t, client1, "bob")
	require.Eventually(t, func() bool {
		srv.PollCtl(int64(time.Now().UnixNano()))
		return cb.logonCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	_ = readLoginRsp(t, client1)

	client2, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client2.Close()
	sendLoginFrame(t, client2, "bob")

	stop, done := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				srv.PollCtl(int64(time.Now().UnixNano()))
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	rsp := readLoginRsp(t, client2)
	require.Equal(t, tcpshmconn.LoginStatusError, rsp.Status)
	require.Equal(t, "Already logged on", rsp.ErrorMsg)
}

func TestServerRejectsInvalidClientName(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallbacks{}
	srv := New(testServerConfig(dir), cb, nil, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	sendLoginFrame(t, client, "")

	var rsp tcpshmconn.LoginRspMsg
	require.Eventually(t, func() bool {
		srv.PollCtl(int64(time.Now().UnixNano()))
		require.NoError(t, client.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
		buf := make([]byte, loginRspFrameLen)
		n, _ := readFull(client, buf)
		if n != loginRspFrameLen {
			return false
		}
		rsp = tcpshmconn.DecodeLoginRspMsg(buf[wire.HeaderSize:], wire.LittleEndian)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, tcpshmconn.LoginStatusError, rsp.Status)
	require.Equal(t, "Invalid client name", rsp.ErrorMsg)
}

func TestServerDeliversAppMessageAndDetectsDisconnect(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallbacks{}
	srv := New(testServerConfig(dir), cb, nil, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	sendLoginFrame(t, client, "carol")

	require.Eventually(t, func() bool {
		srv.PollCtl(int64(time.Now().UnixNano()))
		return cb.logonCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	_ = readLoginRsp(t, client)

	payload := []byte("ping")
	frameSize := uint16(wire.HeaderSize + len(payload))
	frame := make([]byte, wire.FrameLen(frameSize))
	wire.LittleEndian.Encode(frame, wire.Header{Size: frameSize, MsgType: 3})
	copy(frame[wire.HeaderSize:], payload)
	_, err = client.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		srv.PollTcp(int64(time.Now().UnixNano()), 0)
		return cb.msgCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		now := int64(time.Now().UnixNano())
		srv.PollTcp(now, 0)
		srv.PollCtl(now)
		return cb.disconnectCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPtcpDirCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "ptcp")
	cb := &recordingCallbacks{}
	_ = New(testServerConfig(dir), cb, nil, nil)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
