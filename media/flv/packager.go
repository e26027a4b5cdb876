// Package flv repackages encoded H.264 and AAC frames into FLV tags for RTMP.
package flv

import (
	"bytes"
	"time"

	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/frame"
	"github.com/wangscript007/ecmedia/utils"
)

const aacObjectTypeLC = 2

// samples per AAC frame
const aacFrameSamples = 1024

var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// Options describe raw (non-ADTS) AAC input, which carries no config in band.
type Options struct {
	AudioSampleRate int
	AudioChannels   int
}

// Packet is one FLV tag with its RTMP timestamp in milliseconds, modulo 2^32.
type Packet struct {
	Tag  flvio.Tag
	Time uint32
}

// IsSequenceHeader ...
func (p Packet) IsSequenceHeader() bool {
	switch p.Tag.Type {
	case flvio.TAG_VIDEO:
		return p.Tag.AVCPacketType == flvio.AVC_SEQHDR
	case flvio.TAG_AUDIO:
		return p.Tag.AACPacketType == flvio.AAC_SEQHDR
	}
	return false
}

// Size is the RTMP message body length of the packet.
func (p Packet) Size() int {
	var b [flvio.MaxTagSubHeaderLength]byte
	return p.Tag.FillHeader(b[:]) + len(p.Tag.Data)
}

// Packager keeps the codec configuration seen in band so that sequence
// headers can be sent ahead of media and re-sent on every new connection.
// It is used by a single goroutine.
type Packager struct {
	opts Options

	sps, pps     []byte
	video        h264parser.CodecData
	hasVideo     bool
	videoHdrSent bool

	audio        aacparser.CodecData
	hasAudio     bool
	audioHdrSent bool

	base      time.Duration
	baseSet   bool
	metaDirty bool
}

func NewPackager(opts Options) *Packager {
	return &Packager{opts: opts}
}

// Reset prepares for a new connection: sequence headers and metadata are sent
// again and timestamps restart from zero. Codec configuration is kept.
func (p *Packager) Reset() {
	p.videoHdrSent = false
	p.audioHdrSent = false
	p.baseSet = false
	p.metaDirty = p.hasVideo || p.hasAudio
}

// Pack converts one frame into FLV tags, sequence headers first.
func (p *Packager) Pack(f *frame.EncodedFrame) ([]Packet, error) {
	switch f.Kind {
	case frame.KindVideo:
		return p.packVideo(f)
	case frame.KindAudio:
		return p.packAudio(f)
	}
	return nil, errs.Wrapf(errs.ErrEncoderInput, "unknown frame kind %d", f.Kind)
}

func (p *Packager) packVideo(f *frame.EncodedFrame) (pkts []Packet, err error) {
	var sps, pps []byte
	var nalus [][]byte
	idr := false
	for _, nalu := range SplitNALUs(f.Data) {
		switch NALUType(nalu) {
		case NALUSPS:
			sps = nalu
		case NALUPPS:
			pps = nalu
		case NALUAUD:
		case NALUIDR:
			idr = true
			nalus = append(nalus, nalu)
		default:
			nalus = append(nalus, nalu)
		}
	}

	if sps != nil && pps != nil && (!bytes.Equal(sps, p.sps) || !bytes.Equal(pps, p.pps)) {
		codec, err := h264parser.NewCodecDataFromSPSAndPPS(sps, pps)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrEncoderInput, "h264 parameter sets: %v", err)
		}
		p.sps = append([]byte(nil), sps...)
		p.pps = append([]byte(nil), pps...)
		p.video = codec
		p.hasVideo = true
		p.videoHdrSent = false
		p.metaDirty = true
	}
	if !p.hasVideo {
		return nil, errs.Wrap(errs.ErrEncoderInput, "h264 frame before SPS/PPS")
	}

	ts := p.timestamp(f.Timestamp)
	if !p.videoHdrSent {
		pkts = append(pkts, Packet{
			Tag: flvio.Tag{
				Type:          flvio.TAG_VIDEO,
				FrameType:     flvio.FRAME_KEY,
				CodecID:       flvio.VIDEO_H264,
				AVCPacketType: flvio.AVC_SEQHDR,
				Data:          p.video.AVCDecoderConfRecordBytes(),
			},
			Time: ts,
		})
		p.videoHdrSent = true
	}
	if len(nalus) == 0 {
		return pkts, nil
	}

	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	data := make([]byte, size)
	n := 0
	for _, nalu := range nalus {
		pio.PutU32BE(data[n:], uint32(len(nalu)))
		n += 4
		n += copy(data[n:], nalu)
	}

	frameType := uint8(flvio.FRAME_INTER)
	if f.IsKeyFrame || idr {
		frameType = flvio.FRAME_KEY
	}
	pkts = append(pkts, Packet{
		Tag: flvio.Tag{
			Type:          flvio.TAG_VIDEO,
			FrameType:     frameType,
			CodecID:       flvio.VIDEO_H264,
			AVCPacketType: flvio.AVC_NALU,
			Data:          data,
		},
		Time: ts,
	})
	return pkts, nil
}

func isADTS(b []byte) bool {
	return len(b) >= aacparser.ADTSHeaderLength && b[0] == 0xff && b[1]&0xf6 == 0xf0
}

func (p *Packager) packAudio(f *frame.EncodedFrame) (pkts []Packet, err error) {
	ts := f.Timestamp
	if !isADTS(f.Data) {
		if !p.hasAudio {
			config, err := p.rawAudioConfig()
			if err != nil {
				return nil, err
			}
			if err = p.setAudioConfig(config); err != nil {
				return nil, err
			}
		}
		return p.appendAudio(nil, f.Data, ts), nil
	}

	data := f.Data
	for len(data) > 0 {
		if len(data) < aacparser.ADTSHeaderLength {
			return nil, errs.Wrapf(errs.ErrEncoderInput, "truncated adts header: %d bytes", len(data))
		}
		config, hdrlen, framelen, samples, err := aacparser.ParseADTSHeader(data)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrEncoderInput, "adts: %v", err)
		}
		if framelen > len(data) {
			return nil, errs.Wrapf(errs.ErrEncoderInput, "adts frame length %d exceeds buffer %d", framelen, len(data))
		}
		if err = p.setAudioConfig(config); err != nil {
			return nil, err
		}
		pkts = p.appendAudio(pkts, data[hdrlen:framelen], ts)
		if rate := p.audio.Config.SampleRate; rate > 0 {
			ts += time.Duration(samples) * time.Second / time.Duration(rate)
		}
		data = data[framelen:]
	}
	return pkts, nil
}

func (p *Packager) appendAudio(pkts []Packet, raw []byte, ts time.Duration) []Packet {
	t := p.timestamp(ts)
	if !p.audioHdrSent {
		pkts = append(pkts, Packet{Tag: aacTag(flvio.AAC_SEQHDR, p.audio.MPEG4AudioConfigBytes()), Time: t})
		p.audioHdrSent = true
	}
	return append(pkts, Packet{Tag: aacTag(flvio.AAC_RAW, raw), Time: t})
}

// aacTag fills the fixed sound flags FLV mandates for AAC.
func aacTag(packetType uint8, data []byte) flvio.Tag {
	return flvio.Tag{
		Type:          flvio.TAG_AUDIO,
		SoundFormat:   flvio.SOUND_AAC,
		SoundRate:     flvio.SOUND_44Khz,
		SoundSize:     flvio.SOUND_16BIT,
		SoundType:     flvio.SOUND_STEREO,
		AACPacketType: packetType,
		Data:          data,
	}
}

func (p *Packager) setAudioConfig(config aacparser.MPEG4AudioConfig) error {
	codec, err := aacparser.NewCodecDataFromMPEG4AudioConfig(config)
	if err != nil {
		return errs.Wrapf(errs.ErrEncoderInput, "aac config: %v", err)
	}
	if p.hasAudio && bytes.Equal(codec.MPEG4AudioConfigBytes(), p.audio.MPEG4AudioConfigBytes()) {
		return nil
	}
	p.audio = codec
	p.hasAudio = true
	p.audioHdrSent = false
	p.metaDirty = true
	return nil
}

func (p *Packager) rawAudioConfig() (config aacparser.MPEG4AudioConfig, err error) {
	idx := -1
	for i, rate := range aacSampleRates {
		if rate == p.opts.AudioSampleRate {
			idx = i
			break
		}
	}
	if idx < 0 {
		return config, errs.Wrapf(errs.ErrEncoderInput, "unsupported aac sample rate %d", p.opts.AudioSampleRate)
	}
	if p.opts.AudioChannels < 1 || p.opts.AudioChannels > 7 {
		return config, errs.Wrapf(errs.ErrEncoderInput, "unsupported aac channel count %d", p.opts.AudioChannels)
	}
	config.ObjectType = aacObjectTypeLC
	config.SampleRateIndex = uint(idx)
	config.ChannelConfig = uint(p.opts.AudioChannels)
	config.Complete()
	return config, nil
}

// TakeMetadata returns the onMetaData object when the codec configuration
// changed since the last call.
func (p *Packager) TakeMetadata() (flvio.AMFMap, bool) {
	if !p.metaDirty {
		return nil, false
	}
	p.metaDirty = false

	meta := flvio.AMFMap{}
	if p.hasVideo {
		meta["videocodecid"] = flvio.VIDEO_H264
		meta["width"] = p.video.Width()
		meta["height"] = p.video.Height()
	}
	if p.hasAudio {
		config := p.audio.Config
		meta["audiocodecid"] = flvio.SOUND_AAC
		meta["audiosamplerate"] = config.SampleRate
		meta["audiosamplesize"] = 16
		meta["audiochannels"] = int(config.ChannelConfig)
		meta["stereo"] = config.ChannelConfig >= 2
	}
	return meta, true
}

func (p *Packager) timestamp(ts time.Duration) uint32 {
	if !p.baseSet {
		p.base = ts
		p.baseSet = true
	}
	d := ts - p.base
	if d < 0 {
		d = 0
	}
	return utils.TimeToTs(d)
}
