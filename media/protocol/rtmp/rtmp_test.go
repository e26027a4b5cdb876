package rtmp_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/protocol/common"
	"github.com/wangscript007/ecmedia/media/protocol/rtmp"
	"github.com/wangscript007/ecmedia/media/protocol/rtmp/rtmptest"
)

func publish(t *testing.T, url string, opts ...rtmp.Option) rtmp.Conn {
	t.Helper()
	c, err := rtmp.DialURL(context.Background(), url, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Handshake())
	require.NoError(t, c.Connect())
	require.NoError(t, c.Publish())
	return c
}

func TestPublishRoundTrip(t *testing.T) {
	srv, err := rtmptest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	c := publish(t, srv.URL("live", "room1?token=abc"), rtmp.WithChunkSize(4096))
	assert.Equal(t, "live", c.Info().App)

	big := bytes.Repeat([]byte{0x42}, 10000)
	tags := []struct {
		tag flvio.Tag
		ts  uint32
	}{
		{flvio.Tag{Type: flvio.TAG_VIDEO, FrameType: flvio.FRAME_KEY, CodecID: flvio.VIDEO_H264, AVCPacketType: flvio.AVC_SEQHDR, Data: []byte{1, 2, 3}}, 0},
		{flvio.Tag{Type: flvio.TAG_VIDEO, FrameType: flvio.FRAME_KEY, CodecID: flvio.VIDEO_H264, AVCPacketType: flvio.AVC_NALU, Data: big}, 40},
		{flvio.Tag{Type: flvio.TAG_AUDIO, SoundFormat: flvio.SOUND_AAC, SoundRate: flvio.SOUND_44Khz, SoundSize: flvio.SOUND_16BIT, SoundType: flvio.SOUND_STEREO, AACPacketType: flvio.AAC_RAW, Data: big[:5000]}, 0x1000010},
	}

	require.NoError(t, c.WriteMetadata(flvio.AMFMap{"width": 320, "height": 240}))
	for _, tt := range tags {
		require.NoError(t, c.WriteTag(tt.tag, tt.ts))
	}
	require.NoError(t, c.Flush())
	assert.Greater(t, c.TxBytes(), uint64(15000))
	require.NoError(t, c.Close())

	ok := srv.Wait(3*time.Second, func(ss []rtmptest.Session) bool {
		return len(ss) == 1 && ss[0].Done
	})
	require.True(t, ok)

	sess := srv.Sessions()[0]
	require.NoError(t, sess.Err)
	assert.Equal(t, "room1?token=abc", sess.Info.StreamName)
	assert.Equal(t, "room1", sess.Info.ID)
	assert.Equal(t, 1, sess.Metadata)

	got := sess.MediaTags()
	require.Len(t, got, len(tags))
	for i, tt := range tags {
		assert.Equal(t, tt.tag.Type, got[i].Type)
		assert.Equal(t, tt.ts, got[i].Time)
		assert.Equal(t, tt.tag.Data, got[i].Data)
	}
	assert.Equal(t, uint8(flvio.AVC_SEQHDR), got[0].AVCPacketType)
	assert.Equal(t, uint8(flvio.FRAME_KEY), got[1].FrameType)
}

type rejectHook struct {
	err error
}

func (h rejectHook) OnPublish(info common.Info) error {
	return h.err
}

func TestPublishRejected(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		code string
	}{
		{"duplicated", errs.Wrap(errs.ErrDuplicateStream, "taken"), rtmp.CodePublishStreamDuplicated},
		{"bad name", errors.New("stream not allowed"), rtmp.CodePublishBadName},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := rtmptest.NewServer(rtmptest.WithHook(rejectHook{tt.err}))
			require.NoError(t, err)
			defer srv.Close()

			c, err := rtmp.DialURL(context.Background(), srv.URL("live", "room1"))
			require.NoError(t, err)
			defer c.Close()
			require.NoError(t, c.Handshake())
			require.NoError(t, c.Connect())

			err = c.Publish()
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.ErrProtocol))
			assert.Contains(t, err.Error(), tt.code)
		})
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = rtmp.DialURL(context.Background(), "rtmp://"+addr+"/live/s", rtmp.WithDialTimeout(time.Second))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrTransport))
}

func TestDialInvalidURL(t *testing.T) {
	_, err := rtmp.DialURL(context.Background(), "http://example.com/live/s")
	assert.True(t, errs.Is(err, errs.ErrInvalidURL))
}

func TestHandshakeBadVersion(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		io.ReadFull(nc, make([]byte, 1537))
		s := make([]byte, 1+1536*2)
		s[0] = 6
		nc.Write(s)
		io.ReadFull(nc, make([]byte, 1536))
	}()

	c, err := rtmp.DialURL(context.Background(), "rtmp://"+ln.Addr().String()+"/live/s")
	require.NoError(t, err)
	defer c.Close()
	err = c.Handshake()
	assert.True(t, errs.Is(err, errs.ErrProtocol))
}

func TestHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	c, err := rtmp.DialURL(context.Background(), "rtmp://"+ln.Addr().String()+"/live/s",
		rtmp.WithReadWriteTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	err = c.Handshake()
	assert.True(t, errs.Is(err, errs.ErrTransport))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case nc := <-accepted:
		nc.Close()
	case <-time.After(time.Second):
	}
}

func TestWriteBeforePublish(t *testing.T) {
	srv, err := rtmptest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	c, err := rtmp.DialURL(context.Background(), srv.URL("live", "s"))
	require.NoError(t, err)
	defer c.Close()

	err = c.Connect()
	assert.True(t, errs.Is(err, errs.ErrProtocol))
	require.NoError(t, c.Handshake())
	err = c.WriteTag(flvio.Tag{Type: flvio.TAG_AUDIO}, 0)
	assert.True(t, errs.Is(err, errs.ErrProtocol))
}

func TestInterrupt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			time.Sleep(2 * time.Second)
			nc.Close()
		}
	}()

	c, err := rtmp.DialURL(context.Background(), "rtmp://"+ln.Addr().String()+"/live/s")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Handshake() }()
	time.Sleep(50 * time.Millisecond)
	c.Interrupt()

	select {
	case err := <-done:
		assert.True(t, errs.Is(err, errs.ErrTransport))
	case <-time.After(time.Second):
		t.Fatal("handshake not interrupted")
	}
	assert.NoError(t, c.Close())
}
