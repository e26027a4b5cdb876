package flv

import (
	"testing"
	"time"

	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/frame"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xf4, 0x0a, 0x0f, 0xc8}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testP   = []byte{0x41, 0x9a, 0x02, 0x04}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func video(t *testing.T, key bool, ts time.Duration, nalus ...[]byte) *frame.EncodedFrame {
	f, err := frame.NewVideo(annexB(nalus...), key, ts)
	require.NoError(t, err)
	return f
}

func adts(t *testing.T, payload []byte) []byte {
	config := aacparser.MPEG4AudioConfig{ObjectType: aacObjectTypeLC, SampleRateIndex: 4, ChannelConfig: 2}
	config.Complete()
	b := make([]byte, aacparser.ADTSHeaderLength+len(payload))
	aacparser.FillADTSHeader(b, config, aacFrameSamples, len(payload))
	copy(b[aacparser.ADTSHeaderLength:], payload)
	return b
}

func TestContainsIDR(t *testing.T) {
	assert.True(t, ContainsIDR(annexB(testSPS, testPPS, testIDR)))
	assert.False(t, ContainsIDR(annexB(testP)))
	assert.True(t, ContainsIDR(testIDR))
}

func TestIsParameterSets(t *testing.T) {
	assert.True(t, IsParameterSets(annexB(testSPS, testPPS)))
	assert.True(t, IsParameterSets(annexB([]byte{0x09, 0xf0}, testSPS, testPPS, []byte{0x06, 0x05})))
	assert.False(t, IsParameterSets(annexB(testSPS, testPPS, testIDR)))
	assert.False(t, IsParameterSets(annexB([]byte{0x09, 0xf0})))
	assert.False(t, IsParameterSets(annexB(testP)))
}

func TestPackVideoKeyFrame(t *testing.T) {
	p := NewPackager(Options{})
	pkts, err := p.Pack(video(t, true, 100*time.Millisecond, []byte{0x09, 0xf0}, testSPS, testPPS, testIDR))
	require.NoError(t, err)
	require.Len(t, pkts, 2)

	hdr := pkts[0]
	assert.True(t, hdr.IsSequenceHeader())
	assert.Equal(t, uint8(flvio.TAG_VIDEO), hdr.Tag.Type)
	assert.Equal(t, uint8(flvio.AVC_SEQHDR), hdr.Tag.AVCPacketType)
	// configurationVersion, profile, compat, level
	assert.Equal(t, []byte{0x01, 0x42, 0xc0, 0x1e}, hdr.Tag.Data[:4])
	assert.Equal(t, uint32(0), hdr.Time)

	nalu := pkts[1]
	assert.False(t, nalu.IsSequenceHeader())
	assert.Equal(t, uint8(flvio.FRAME_KEY), nalu.Tag.FrameType)
	assert.Equal(t, uint8(flvio.AVC_NALU), nalu.Tag.AVCPacketType)
	// AUD and parameter sets are not repeated in the NALU tag
	require.Len(t, nalu.Tag.Data, 4+len(testIDR))
	assert.Equal(t, uint32(len(testIDR)), pio.U32BE(nalu.Tag.Data))
	assert.Equal(t, testIDR, nalu.Tag.Data[4:])
	assert.Equal(t, 5+len(nalu.Tag.Data), nalu.Size())

	meta, ok := p.TakeMetadata()
	require.True(t, ok)
	assert.Equal(t, 320, meta["width"])
	assert.Equal(t, 240, meta["height"])
	_, ok = p.TakeMetadata()
	assert.False(t, ok)
}

func TestPackVideoTimestampsAndInterFrames(t *testing.T) {
	p := NewPackager(Options{})
	_, err := p.Pack(video(t, true, time.Second, testSPS, testPPS, testIDR))
	require.NoError(t, err)

	pkts, err := p.Pack(video(t, false, time.Second+40*time.Millisecond, testP))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(flvio.FRAME_INTER), pkts[0].Tag.FrameType)
	assert.Equal(t, uint32(40), pkts[0].Time)
}

func TestPackVideoTimestampWraps(t *testing.T) {
	p := NewPackager(Options{})
	_, err := p.Pack(video(t, true, 0, testSPS, testPPS, testIDR))
	require.NoError(t, err)

	// 2^32 ms after the first frame, about 49.7 days
	pkts, err := p.Pack(video(t, false, (1<<32+40)*time.Millisecond, testP))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint32(40), pkts[0].Time)
}

func TestPackVideoWithoutParameterSets(t *testing.T) {
	p := NewPackager(Options{})
	_, err := p.Pack(video(t, false, 0, testP))
	assert.True(t, errs.Is(err, errs.ErrEncoderInput))
}

func TestPackVideoParameterSetsOnly(t *testing.T) {
	p := NewPackager(Options{})
	pkts, err := p.Pack(video(t, true, 0, testSPS, testPPS))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].IsSequenceHeader())

	// unchanged parameter sets do not produce a second header
	pkts, err = p.Pack(video(t, true, 0, testSPS, testPPS, testIDR))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.False(t, pkts[0].IsSequenceHeader())
}

func TestResetResendsSequenceHeaders(t *testing.T) {
	p := NewPackager(Options{AudioSampleRate: 44100, AudioChannels: 2})
	_, err := p.Pack(video(t, true, 5*time.Second, testSPS, testPPS, testIDR))
	require.NoError(t, err)
	_, _ = p.TakeMetadata()

	p.Reset()
	_, ok := p.TakeMetadata()
	assert.True(t, ok)

	// the encoder does not repeat SPS/PPS but the header must precede media
	pkts, err := p.Pack(video(t, true, 9*time.Second, testIDR))
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	assert.True(t, pkts[0].IsSequenceHeader())
	assert.Equal(t, uint32(0), pkts[1].Time)
}

func TestPackAudioADTS(t *testing.T) {
	p := NewPackager(Options{})
	payload := []byte{0x21, 0x10, 0x04, 0x60}
	two := append(adts(t, payload), adts(t, payload)...)
	f, err := frame.NewAudio(two, 0)
	require.NoError(t, err)

	pkts, err := p.Pack(f)
	require.NoError(t, err)
	require.Len(t, pkts, 3)

	assert.True(t, pkts[0].IsSequenceHeader())
	assert.Equal(t, []byte{0x12, 0x10}, pkts[0].Tag.Data)
	assert.Equal(t, uint8(flvio.SOUND_AAC), pkts[0].Tag.SoundFormat)
	assert.Equal(t, payload, pkts[1].Tag.Data)
	assert.Equal(t, uint8(flvio.AAC_RAW), pkts[1].Tag.AACPacketType)
	assert.Equal(t, uint32(0), pkts[1].Time)
	// 1024 samples at 44.1kHz
	assert.Equal(t, uint32(23), pkts[2].Time)

	meta, ok := p.TakeMetadata()
	require.True(t, ok)
	assert.Equal(t, 44100, meta["audiosamplerate"])
	assert.Equal(t, true, meta["stereo"])
}

func TestPackAudioRaw(t *testing.T) {
	p := NewPackager(Options{AudioSampleRate: 48000, AudioChannels: 1})
	f, err := frame.NewAudio([]byte{0x01, 0x02, 0x03}, 0)
	require.NoError(t, err)

	pkts, err := p.Pack(f)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	// LC, index 3, mono
	assert.Equal(t, []byte{0x11, 0x88}, pkts[0].Tag.Data)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, pkts[1].Tag.Data)
}

func TestPackAudioRawUnsupportedRate(t *testing.T) {
	p := NewPackager(Options{AudioSampleRate: 12345, AudioChannels: 2})
	f, err := frame.NewAudio([]byte{0x01}, 0)
	require.NoError(t, err)
	_, err = p.Pack(f)
	assert.True(t, errs.Is(err, errs.ErrEncoderInput))
}

func TestPackAudioTruncatedADTS(t *testing.T) {
	p := NewPackager(Options{})
	b := adts(t, []byte{0x21, 0x10, 0x04, 0x60})
	f, err := frame.NewAudio(b[:len(b)-2], 0)
	require.NoError(t, err)
	_, err = p.Pack(f)
	assert.True(t, errs.Is(err, errs.ErrEncoderInput))
}
