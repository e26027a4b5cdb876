package rtmp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordConn is a net.Conn that only records writes.
type recordConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *recordConn) Write(b []byte) (int, error) { return c.buf.Write(b) }
func (c *recordConn) SetDeadline(t time.Time) error { return nil }
func (c *recordConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1935} }
func (c *recordConn) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *recordConn) Close() error { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

func TestFillChunkHeader(t *testing.T) {
	c := &conn{}
	b := make([]byte, chunkHeaderLength+4)

	n := c.fillChunkHeader(b, csidVideo, 40, msgtypeidVideoMsg, 1, 300)
	require.Equal(t, chunkHeaderLength, n)
	assert.Equal(t, byte(csidVideo), b[0])
	assert.Equal(t, uint32(40), pio.U24BE(b[1:]))
	assert.Equal(t, uint32(300), pio.U24BE(b[4:]))
	assert.Equal(t, byte(msgtypeidVideoMsg), b[7])
	assert.Equal(t, uint32(1), pio.U32LE(b[8:]))

	n = c.fillChunkHeader(b, csidVideo, 0x1000000, msgtypeidVideoMsg, 1, 300)
	require.Equal(t, chunkHeaderLength+4, n)
	assert.Equal(t, uint32(FlvTimestampMax), pio.U24BE(b[1:]))
	assert.Equal(t, uint32(0x1000000), pio.U32BE(b[12:]))
}

func TestWriteMsgSplitsChunks(t *testing.T) {
	rc := &recordConn{}
	c := newConn(rc, applyOptions(nil))
	c.writeMaxChunkSize = 128

	hdr := []byte{0x17, 0x01, 0, 0, 0}
	data := bytes.Repeat([]byte{0xab}, 295)
	require.NoError(t, c.writeMsg(csidVideo, 0x1000000, msgtypeidVideoMsg, 1, hdr, data))
	require.NoError(t, c.flushWrite())

	out := rc.buf.Bytes()
	// 16 byte type 0 header, then 128 + (5 + 128) + (5 + 44)
	require.Len(t, out, 16+128+5+128+5+44)
	assert.Equal(t, hdr, out[16:21])

	cont := out[16+128:]
	assert.Equal(t, byte(0xc0|csidVideo), cont[0])
	assert.Equal(t, uint32(0x1000000), pio.U32BE(cont[1:]))
	cont = cont[5+128:]
	assert.Equal(t, byte(0xc0|csidVideo), cont[0])
	assert.Equal(t, uint32(0x1000000), pio.U32BE(cont[1:]))
	assert.Len(t, cont[5:], 44)
}

func TestWriteMsgExactChunk(t *testing.T) {
	rc := &recordConn{}
	c := newConn(rc, applyOptions(nil))
	c.writeMaxChunkSize = 128

	require.NoError(t, c.writeMsg(csidAudio, 10, msgtypeidAudioMsg, 1, nil, make([]byte, 128)))
	require.NoError(t, c.flushWrite())
	assert.Len(t, rc.buf.Bytes(), chunkHeaderLength+128)
}

func TestApplyOptionsClampsChunkSize(t *testing.T) {
	opts := applyOptions([]Option{WithChunkSize(16)})
	assert.Equal(t, minChunkSize, opts.ChunkSize)
	opts = applyOptions([]Option{WithChunkSize(8192), WithReadWriteTimeout(time.Second)})
	assert.Equal(t, 8192, opts.ChunkSize)
	assert.Equal(t, time.Second, opts.ReadWriteTimeout)
}
