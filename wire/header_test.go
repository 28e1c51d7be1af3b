package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameLen(t *testing.T) {
	cases := []struct {
		size uint16
		want uint32
	}{
		{0, 0},
		{1, 8},
		{7, 8},
		{8, 8},
		{9, 16},
		{16, 16},
		{17, 24},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FrameLen(c.size), "size=%d", c.size)
		assert.Equal(t, c.want/HeaderSize, FrameCells(c.size), "size=%d", c.size)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, order := range []Order{LittleEndian, BigEndian} {
		h := Header{Size: 42, MsgType: 7, AckSeq: 0xdeadbeef}
		buf := make([]byte, HeaderSize)
		order.Encode(buf, h)
		got := order.Decode(buf)
		assert.Equal(t, h, got)
	}
}

func TestSeqWraparound(t *testing.T) {
	assert.True(t, SeqLess(0xfffffffe, 2))
	assert.False(t, SeqLess(2, 0xfffffffe))
	assert.True(t, SeqLessOrEqual(5, 5))
	assert.False(t, SeqLessOrEqual(6, 5))
}
