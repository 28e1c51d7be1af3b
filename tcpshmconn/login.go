package tcpshmconn

import (
	"bytes"

	"github.com/alephtx/tcpshm/wire"
)

// These sizes replace the C++ template parameters (Conf::NameSize,
// Conf::LoginUserData, ...): the original lets every deployment pick
// its own fixed-size login payload shape. Go has no compile-time
// struct-in-struct template parameter, so the login frame uses one
// fixed shape sized generously enough for a client/server name and a
// small authentication payload; callers needing more room can place
// it in UserData.
const (
	NameSize             = 32
	LoginUserDataSize    = 32
	LoginRspUserDataSize = 32
	ErrorMsgSize         = 64
)

// LoginMsg is msg_type 1: the client's login frame, matching
// LoginMsgTpl in the original tcpshm_conn.h.
type LoginMsg struct {
	ClientSeqStart uint32
	ClientSeqEnd   uint32
	UserData       [LoginUserDataSize]byte
	UseShm         bool
	ClientName     string
	LastServerName string
}

// LoginMsgSize is the fixed wire size of a LoginMsg payload (header
// not included).
const LoginMsgSize = 4 + 4 + LoginUserDataSize + 1 + NameSize + NameSize

// LoginRspMsg is msg_type 2: the server's login response, matching
// LoginRspMsgTpl.
type LoginRspMsg struct {
	ServerSeqStart uint32
	ServerSeqEnd   uint32
	UserData       [LoginRspUserDataSize]byte
	Status         byte // 0: OK, 1: seqnum mismatch, 2: other error
	ServerName     string
	ErrorMsg       string // empty on success and on a seqnum mismatch
}

// LoginRspMsgSize is the fixed wire size of a LoginRspMsg payload.
const LoginRspMsgSize = 4 + 4 + LoginRspUserDataSize + 1 + NameSize + ErrorMsgSize

const (
	LoginStatusOK          byte = 0
	LoginStatusSeqMismatch byte = 1
	LoginStatusError       byte = 2
)

func putFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getFixedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// EncodeLoginMsg writes m into buf (which must be at least
// LoginMsgSize bytes) in the given wire order.
func EncodeLoginMsg(buf []byte, order wire.Order, m LoginMsg) {
	order.PutUint32(buf[0:4], m.ClientSeqStart)
	order.PutUint32(buf[4:8], m.ClientSeqEnd)
	off := 8
	copy(buf[off:off+LoginUserDataSize], m.UserData[:])
	off += LoginUserDataSize
	if m.UseShm {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	putFixedString(buf[off:off+NameSize], m.ClientName)
	off += NameSize
	putFixedString(buf[off:off+NameSize], m.LastServerName)
}

// DecodeLoginMsg reads a LoginMsg out of buf (at least LoginMsgSize
// bytes) in the given wire order.
func DecodeLoginMsg(buf []byte, order wire.Order) LoginMsg {
	var m LoginMsg
	m.ClientSeqStart = order.Uint32(buf[0:4])
	m.ClientSeqEnd = order.Uint32(buf[4:8])
	off := 8
	copy(m.UserData[:], buf[off:off+LoginUserDataSize])
	off += LoginUserDataSize
	m.UseShm = buf[off] != 0
	off++
	m.ClientName = getFixedString(buf[off : off+NameSize])
	off += NameSize
	m.LastServerName = getFixedString(buf[off : off+NameSize])
	return m
}

// EncodeLoginRspMsg writes m into buf (at least LoginRspMsgSize
// bytes) in the given wire order.
func EncodeLoginRspMsg(buf []byte, order wire.Order, m LoginRspMsg) {
	order.PutUint32(buf[0:4], m.ServerSeqStart)
	order.PutUint32(buf[4:8], m.ServerSeqEnd)
	off := 8
	copy(buf[off:off+LoginRspUserDataSize], m.UserData[:])
	off += LoginRspUserDataSize
	buf[off] = m.Status
	off++
	putFixedString(buf[off:off+NameSize], m.ServerName)
	off += NameSize
	putFixedString(buf[off:off+ErrorMsgSize], m.ErrorMsg)
}

// DecodeLoginRspMsg reads a LoginRspMsg out of buf (at least
// LoginRspMsgSize bytes) in the given wire order.
func DecodeLoginRspMsg(buf []byte, order wire.Order) LoginRspMsg {
	var m LoginRspMsg
	m.ServerSeqStart = order.Uint32(buf[0:4])
	m.ServerSeqEnd = order.Uint32(buf[4:8])
	off := 8
	copy(m.UserData[:], buf[off:off+LoginRspUserDataSize])
	off += LoginRspUserDataSize
	m.Status = buf[off]
	off++
	m.ServerName = getFixedString(buf[off : off+NameSize])
	off += NameSize
	m.ErrorMsg = getFixedString(buf[off : off+ErrorMsgSize])
	return m
}
