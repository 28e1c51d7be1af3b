// Command echo_client is the reference client from spec.md §8's
// end-to-end scenarios: it sends frames with a fixed 16-byte random
// payload to echo_server, one at a time, waiting for each echo before
// sending the next, and logs the sent and received counts and the
// total elapsed time. It counts the echoes; it does not compare their
// contents with what was sent.
//
// Grounded on original_source/test/echo_client.cc for the send/recv
// loop and its "send_num/recv_num" progress bookkeeping (here kept in
// memory rather than mmap'd, since a crash-resistent resume is outside
// this command's scope), and on the teacher package's main.go for the
// context/signal orchestration shape.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alephtx/tcpshm/client"
	"github.com/alephtx/tcpshm/metrics"
	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/tcpshmconfig"
	"github.com/alephtx/tcpshm/tcpshmconn"
	"github.com/alephtx/tcpshm/wire"

	"github.com/prometheus/client_golang/prometheus"
)

const payloadSize = 16

type echoClient struct {
	log     *logrus.Entry
	order   wire.Order
	conn    *tcpshmconn.Conn
	sendNum int
	recvNum int
	mu      sync.Mutex
}

func (c *echoClient) OnSystemError(kind string, err error) {
	c.log.WithError(err).Errorf("system error: %s", kind)
}

func (c *echoClient) OnLoginReject(rsp tcpshmconn.LoginRspMsg) {
	c.log.Errorf("login rejected: %s", rsp.ErrorMsg)
}

func (c *echoClient) OnSeqNumberMismatch(localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32) {
	c.log.Warnf("seq mismatch local=[%d,%d,%d] remote=[%d,%d,%d]",
		localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd)
}

func (c *echoClient) OnLoginSuccess(rsp tcpshmconn.LoginRspMsg) int64 {
	c.log.Infof("login success, server=%q", rsp.ServerName)
	return time.Now().UnixNano()
}

func (c *echoClient) OnDisconnected(reason ptcpconn.CloseReason) {
	c.log.Infof("disconnected: %s", reason)
}

func (c *echoClient) OnServerMsg(frame []byte) {
	c.mu.Lock()
	c.recvNum++
	c.conn.Pop()
	c.mu.Unlock()
}

func (c *echoClient) trySend(cl *client.Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame, cell, ok := cl.Alloc(payloadSize)
	if !ok {
		return false
	}
	h := c.order.Decode(frame)
	h.MsgType = wire.MsgTypeAppMin
	c.order.Encode(frame, h)
	for i := wire.HeaderSize; i < len(frame); i++ {
		frame[i] = byte(rand.Intn(256))
	}
	cl.Push(cell)
	c.sendNum++
	return true
}

func main() {
	name := flag.String("name", "client1", "client name")
	addr := flag.String("addr", "127.0.0.1:12345", "server address")
	useShm := flag.Bool("shm", false, "use shared memory transport")
	count := flag.Int("count", 1000, "number of messages to send")
	ptcpDir := flag.String("ptcp-dir", "./ptcp_data", "ptcp state directory")
	flag.Parse()

	log := logrus.New().WithField("component", "echo_client").WithField("name", *name)

	cfg := tcpshmconfig.Default()
	cfg.Server.PtcpDir = *ptcpDir

	met := metrics.New("tcpshm_echo_client", prometheus.NewRegistry())

	echo := &echoClient{log: log, order: cfg.Order()}
	cl := client.New(client.Config{
		ClientName:   *name,
		PtcpDir:      *ptcpDir,
		Order:        cfg.Order(),
		ShmQueueSize: cfg.Common.ShmQueueSize,
		PTCP:         cfg.PTCPConf(),
	}, echo, log, met)
	echo.conn = cl.GetConnection()
	defer cl.Stop()

	if !cl.Connect(*useShm, *addr, [tcpshmconn.LoginUserDataSize]byte{}) {
		log.Fatal("connect failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil && !cl.GetConnection().IsClosed() {
			if *useShm {
				cl.PollShm()
			}
			cl.PollTcp(time.Now().UnixNano())
			echo.mu.Lock()
			finished := echo.sendNum >= *count && echo.recvNum >= echo.sendNum
			echo.mu.Unlock()
			if finished {
				return
			}
		}
	}()

	for ctx.Err() == nil {
		echo.mu.Lock()
		sent := echo.sendNum
		recv := echo.recvNum
		echo.mu.Unlock()
		if sent >= *count && recv >= sent {
			break
		}
		if sent < *count && sent == recv {
			echo.trySend(cl)
		}
	}
	wg.Wait()

	elapsed := time.Since(start)
	log.Infof("done: sent=%d recv=%d elapsed=%s", echo.sendNum, echo.recvNum, elapsed)
}
