package ptcpconn

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alephtx/tcpshm/internal/rawfd"
	"github.com/alephtx/tcpshm/wire"
)

const (
	testEventuallyTimeout = 2 * time.Second
	testEventuallyTick    = 5 * time.Millisecond
)

func testConf() Conf {
	return Conf{
		TcpQueueSize:       64,
		TcpRecvBufInitSize: 64,
		TcpRecvBufMaxSize:  4096,
		HeartBeatInverval:  1_000_000_000,
		ConnectionTimeout:  5_000_000_000,
	}
}

// dialPair returns a connected client/server net.Conn pair backed by
// real sockets, so netfd.GetFdFromConn has something to extract.
func dialPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		ch <- acceptResult{c, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	res := <-ch
	require.NoError(t, res.err)
	return client, res.conn
}

func openConn(t *testing.T, dir, name string, conn net.Conn) *Conn {
	t.Helper()
	fd, err := rawfd.Take(conn)
	require.NoError(t, err)
	c := New(testConf(), wire.LittleEndian)
	require.NoError(t, c.OpenFile(filepath.Join(dir, name+".ptcp")))
	require.NoError(t, c.Open(fd, 0, 1))
	t.Cleanup(c.Release)
	return c
}

func TestAllocPushFrontPopRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clientConn, serverConn := dialPair(t)

	a := openConn(t, dir, "a", clientConn)
	b := openConn(t, dir, "b", serverConn)

	frame, cell, ok := a.Alloc(5)
	require.True(t, ok)
	h := wire.LittleEndian.Decode(frame)
	h.MsgType = 3
	wire.LittleEndian.Encode(frame, h)
	copy(frame[wire.HeaderSize:], []byte("hello"))
	a.Push(cell)

	var got []byte
	require.Eventually(t, func() bool {
		got = b.Front()
		return got != nil
	}, testEventuallyTimeout, testEventuallyTick)

	gotH := wire.LittleEndian.Decode(got)
	require.Equal(t, uint16(3), gotH.MsgType)
	require.Equal(t, "hello", string(got[wire.HeaderSize:gotH.Size]))
	b.Pop()
}

func TestSendHBWhenNothingPending(t *testing.T) {
	dir := t.TempDir()
	clientConn, serverConn := dialPair(t)
	a := openConn(t, dir, "c", clientConn)
	b := openConn(t, dir, "d", serverConn)

	a.SendHB(a.now + a.conf.HeartBeatInverval + 1)

	require.Eventually(t, func() bool {
		b.Front()
		return true
	}, testEventuallyTimeout, testEventuallyTick)
}

func TestIsClosedAndTryCloseFd(t *testing.T) {
	dir := t.TempDir()
	clientConn, serverConn := dialPair(t)
	a := openConn(t, dir, "e", clientConn)
	defer serverConn.Close()

	require.False(t, a.IsClosed())
	a.RequestClose()
	require.True(t, a.IsClosed())
	require.Equal(t, KindRequested, a.GetCloseReason().Kind)
	require.True(t, a.TryCloseFd())
	require.False(t, a.TryCloseFd(), "TryCloseFd must be idempotent")
}
