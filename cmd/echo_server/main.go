// Command echo_server is the reference server from spec.md §8's
// end-to-end scenarios: it echoes back every application message it
// receives, unchanged, to demonstrate S1 (clean send/echo/close), S2
// (reconnect and sequence replay), S3 (duplicate-login rejection), S4
// (oversized message), and S6 (corrupt PTCP file rejection).
//
// Grounded on original_source/test/echo_server.cc for the echo logic
// and per-group polling goroutines, and on the teacher package's
// main.go for the context/signal/WaitGroup orchestration shape.
package main

import (
	"context"
	"flag"
	"hash/fnv"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/alephtx/tcpshm/metrics"
	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/server"
	"github.com/alephtx/tcpshm/tcpshmconfig"
	"github.com/alephtx/tcpshm/tcpshmconn"
	"github.com/alephtx/tcpshm/wire"
)

type echoServer struct {
	log *logrus.Entry
	cfg *tcpshmconfig.Config
}

func (s *echoServer) OnSystemError(kind string, err error) {
	s.log.WithError(err).Errorf("system error: %s", kind)
}

func (s *echoServer) OnNewConnection(addr net.Addr, login tcpshmconn.LoginMsg, rsp *tcpshmconn.LoginRspMsg) (int, bool) {
	s.log.Infof("new connection from %s, name=%q use_shm=%v", addr, login.ClientName, login.UseShm)
	h := fnv.New32a()
	_, _ = h.Write([]byte(login.ClientName))
	if login.UseShm {
		if s.cfg.Server.MaxShmGrps == 0 {
			rsp.ErrorMsg = "Shm disabled"
			return -1, false
		}
		return int(h.Sum32() % uint32(s.cfg.Server.MaxShmGrps)), true
	}
	if s.cfg.Server.MaxTcpGrps == 0 {
		rsp.ErrorMsg = "Tcp disabled"
		return -1, false
	}
	return int(h.Sum32() % uint32(s.cfg.Server.MaxTcpGrps)), true
}

func (s *echoServer) OnClientFileError(conn *tcpshmconn.Conn, err error) {
	s.log.WithError(err).Warnf("client file error, name=%q", conn.GetRemoteName())
}

func (s *echoServer) OnSeqNumberMismatch(conn *tcpshmconn.Conn, localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32) {
	s.log.Warnf("seq mismatch, name=%q local=[%d,%d,%d] remote=[%d,%d,%d]",
		conn.GetRemoteName(), localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd)
}

func (s *echoServer) OnClientLogon(addr net.Addr, conn *tcpshmconn.Conn) {
	s.log.Infof("client logon from %s, name=%q", addr, conn.GetRemoteName())
}

func (s *echoServer) OnClientDisconnected(conn *tcpshmconn.Conn, reason ptcpconn.CloseReason) {
	s.log.Infof("client disconnected, name=%q reason=%s", conn.GetRemoteName(), reason)
}

// OnClientMsg echoes the frame back unchanged. Pop is called before
// Push so a crash between the two loses at most the echo, never
// leaves the inbound frame stuck unconsumed.
func (s *echoServer) OnClientMsg(conn *tcpshmconn.Conn, frame []byte) {
	order := s.cfg.Order()
	in := order.Decode(frame)
	size := in.Size - wire.HeaderSize
	out, cell, ok := conn.Alloc(size)
	if ok {
		h := order.Decode(out)
		h.MsgType = in.MsgType
		order.Encode(out, h)
		copy(out[wire.HeaderSize:], frame[wire.HeaderSize:in.Size])
	}
	conn.Pop()
	if ok {
		conn.Push(cell)
	}
}

func main() {
	listenAddr := flag.String("listen", "", "override listen address")
	configPath := flag.String("config", "", "path to a toml config file (optional; falls back to built-in defaults)")
	envPath := flag.String("env", ".env", "path to a .env file of overrides")
	flag.Parse()

	log := logrus.New().WithField("component", "echo_server")

	var cfg *tcpshmconfig.Config
	if *configPath != "" {
		c, err := tcpshmconfig.LoadWithEnvOverrides(*envPath, *configPath)
		if err != nil {
			log.WithError(err).Fatal("load config")
		}
		cfg = c
	} else {
		cfg = tcpshmconfig.Default()
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	met := metrics.New("tcpshm_echo_server", prometheus.NewRegistry())

	srvCfg := server.Config{
		ServerName:           "server",
		PtcpDir:              cfg.Server.PtcpDir,
		Order:                cfg.Order(),
		ShmQueueSize:         cfg.Common.ShmQueueSize,
		PTCP:                 cfg.PTCPConf(),
		MaxNewConnections:    cfg.Server.MaxNewConnections,
		MaxShmGrps:           cfg.Server.MaxShmGrps,
		MaxShmConnsPerGrp:    cfg.Server.MaxShmConnsPerGrp,
		MaxTcpGrps:           cfg.Server.MaxTcpGrps,
		MaxTcpConnsPerGrp:    cfg.Server.MaxTcpConnsPerGrp,
		NewConnectionTimeout: cfg.Peer.NewConnectionTimeout.Nanoseconds(),
	}

	echo := &echoServer{log: log, cfg: cfg}
	srv := server.New(srvCfg, echo, log, met)
	if err := srv.Start(cfg.Server.ListenAddr); err != nil {
		log.WithError(err).Fatal("start server")
	}
	log.Infof("listening on %s", srv.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < srvCfg.MaxTcpGrps; i++ {
		wg.Add(1)
		go func(grp int) {
			defer wg.Done()
			for ctx.Err() == nil {
				srv.PollTcp(time.Now().UnixNano(), grp)
			}
		}(i)
	}
	for i := 0; i < srvCfg.MaxShmGrps; i++ {
		wg.Add(1)
		go func(grp int) {
			defer wg.Done()
			for ctx.Err() == nil {
				srv.PollShm(grp)
			}
		}(i)
	}

	for ctx.Err() == nil {
		srv.PollCtl(time.Now().UnixNano())
	}
	wg.Wait()
	srv.Stop()
	log.Info("server stopped")
}
