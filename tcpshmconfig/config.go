// Package tcpshmconfig loads the configuration descriptor shared
// between client and server (spec.md §6, "Configuration"). It mirrors
// the teacher package's toml-based config.Load, generalized from a
// per-exchange feed config to tcpshm's connection/server knobs, plus
// a godotenv-based environment override layer generalizing main.go's
// ad hoc os.Getenv checks into a reusable helper.
package tcpshmconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/alephtx/tcpshm/ptcpconn"
	"github.com/alephtx/tcpshm/tcpshmconn"
	"github.com/alephtx/tcpshm/wire"
)

// Config is the full descriptor: the common part (shared verbatim
// between client and server) plus the per-peer and server-only
// sections from spec.md §6.
type Config struct {
	Common Common `toml:"common"`
	Peer   Peer   `toml:"peer"`
	Server Server `toml:"server"`
}

// Common is shared compile-time between client and server.
type Common struct {
	NameSize       int  `toml:"name_size"`
	ShmQueueSize   uint64 `toml:"shm_queue_size"`
	ToLittleEndian bool `toml:"to_little_endian"`
}

// Peer carries the per-connection knobs used by both client and
// server sides of one connection.
type Peer struct {
	TcpQueueSize         uint32        `toml:"tcp_queue_size"`
	TcpRecvBufInitSize   uint32        `toml:"tcp_recv_buf_init_size"`
	TcpRecvBufMaxSize    uint32        `toml:"tcp_recv_buf_max_size"`
	TcpNoDelay           bool          `toml:"tcp_nodelay"`
	ConnectionTimeout    time.Duration `toml:"connection_timeout"`
	HeartBeatInverval    time.Duration `toml:"heartbeat_interval"`
	NewConnectionTimeout time.Duration `toml:"new_connection_timeout"`
}

// Server carries the server-only sizing knobs for the slot pool and
// group scheduling.
type Server struct {
	ListenAddr        string `toml:"listen_addr"`
	PtcpDir           string `toml:"ptcp_dir"`
	MaxNewConnections int    `toml:"max_new_connections"`
	MaxShmGrps        int    `toml:"max_shm_grps"`
	MaxShmConnsPerGrp int    `toml:"max_shm_conns_per_grp"`
	MaxTcpGrps        int    `toml:"max_tcp_grps"`
	MaxTcpConnsPerGrp int    `toml:"max_tcp_conns_per_grp"`
}

// Load reads and parses a toml config file at path. NameSize is
// validated against tcpshmconn.NameSize: unlike the original's
// Conf::NameSize template parameter, the Go wire format fixes the
// login name fields' width at compile time, so a config written for a
// different build is rejected rather than silently truncating names.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Common.NameSize != 0 && c.Common.NameSize != tcpshmconn.NameSize {
		return nil, fmt.Errorf("tcpshmconfig: common.name_size=%d does not match compiled-in tcpshmconn.NameSize=%d",
			c.Common.NameSize, tcpshmconn.NameSize)
	}
	return &c, nil
}

// LoadWithEnvOverrides loads the .env file at envPath if present (a
// missing file is not an error, matching godotenv.Load's own
// semantics applied loosely by callers in the pack), then loads the
// toml config at configPath and applies a small set of environment
// overrides, generalizing main.go's single-variable os.Getenv checks.
func LoadWithEnvOverrides(envPath, configPath string) (*Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if addr := os.Getenv("TCPSHM_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if dir := os.Getenv("TCPSHM_PTCP_DIR"); dir != "" {
		cfg.Server.PtcpDir = dir
	}
	if v := os.Getenv("TCPSHM_TO_LITTLE_ENDIAN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Common.ToLittleEndian = b
		}
	}
	return cfg, nil
}

// PTCPConf converts the shared Peer section into ptcpconn.Conf.
func (c *Config) PTCPConf() ptcpconn.Conf {
	return ptcpconn.Conf{
		TcpQueueSize:       c.Peer.TcpQueueSize,
		TcpRecvBufInitSize: c.Peer.TcpRecvBufInitSize,
		TcpRecvBufMaxSize:  c.Peer.TcpRecvBufMaxSize,
		TcpNoDelay:         c.Peer.TcpNoDelay,
		HeartBeatInverval:  c.Peer.HeartBeatInverval.Nanoseconds(),
		ConnectionTimeout:  c.Peer.ConnectionTimeout.Nanoseconds(),
	}
}

// Order returns the configured wire byte order.
func (c *Config) Order() wire.Order {
	if c.Common.ToLittleEndian {
		return wire.LittleEndian
	}
	return wire.BigEndian
}

// Default returns a Config populated with the same sizing defaults
// the original echo_server/echo_client test programs used (see
// original_source/test/echo_server.cc), suitable as a starting point
// before toml/env overrides are applied.
func Default() *Config {
	return &Config{
		Common: Common{
			NameSize:       tcpshmconn.NameSize,
			ShmQueueSize:   1024,
			ToLittleEndian: true,
		},
		Peer: Peer{
			TcpQueueSize:         1024,
			TcpRecvBufInitSize:   1024,
			TcpRecvBufMaxSize:    1 << 20,
			TcpNoDelay:           true,
			ConnectionTimeout:    10 * time.Second,
			HeartBeatInverval:    3 * time.Second,
			NewConnectionTimeout: 5 * time.Second,
		},
		Server: Server{
			ListenAddr:        "127.0.0.1:0",
			PtcpDir:           "./ptcp_data",
			MaxNewConnections: 10,
			MaxShmGrps:        1,
			MaxShmConnsPerGrp: 4,
			MaxTcpGrps:        1,
			MaxTcpConnsPerGrp: 4,
		},
	}
}
