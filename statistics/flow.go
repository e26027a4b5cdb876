package statistics

import (
	"sync"
	"time"

	"github.com/wangscript007/ecmedia/media/frame"
)

const StatInterval = 3 * time.Second

// AVFlow 发送流统计
type AVFlow struct {
	mu sync.Mutex

	VideoBitrate *Bitrate
	AudioBitrate *Bitrate
	VideoFPS     *FPS
	AudioFPS     *FPS
	VideoGop     *Gop
	VideoDelay   *Delay

	videoFrames uint64
	audioFrames uint64
	bytes       uint64
}

// NewAVFlow 创建AVFlow实例
func NewAVFlow() *AVFlow {
	return &AVFlow{
		VideoBitrate: NewBitrate(),
		AudioBitrate: NewBitrate(),
		VideoFPS:     NewFPS(),
		AudioFPS:     NewFPS(),
		VideoGop:     NewGop(),
		VideoDelay:   NewDelay(),
	}
}

// Stat 统计一帧已发送的音视频数据, size为线上字节数
func (s *AVFlow) Stat(f *frame.EncodedFrame, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytes += uint64(size)
	switch f.Kind {
	case frame.KindVideo:
		s.videoFrames++
		s.VideoBitrate.Add(uint64(size))
		s.VideoFPS.Add()
		s.VideoGop.Add(f.Timestamp, f.IsKeyFrame)
		s.VideoDelay.Add(f.Timestamp)
	case frame.KindAudio:
		s.audioFrames++
		s.AudioFPS.Add()
		s.AudioBitrate.Add(uint64(size))
	}
}

// FlowSnapshot 统计快照
type FlowSnapshot struct {
	VideoFrames  uint64  `json:"video_frames"`
	AudioFrames  uint64  `json:"audio_frames"`
	Bytes        uint64  `json:"bytes"`
	VideoBitrate uint64  `json:"video_bitrate"` // bit/s
	AudioBitrate uint64  `json:"audio_bitrate"` // bit/s
	VideoFPS     uint32  `json:"video_fps"`
	AudioFPS     uint32  `json:"audio_fps"`
	VideoGop     float64 `json:"video_gop"`   // s
	VideoDelay   int64   `json:"video_delay"` // ms
}

// Snapshot 可与Stat并发调用
func (s *AVFlow) Snapshot() FlowSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FlowSnapshot{
		VideoFrames:  s.videoFrames,
		AudioFrames:  s.audioFrames,
		Bytes:        s.bytes,
		VideoBitrate: s.VideoBitrate.GetBitrate(),
		AudioBitrate: s.AudioBitrate.GetBitrate(),
		VideoFPS:     s.VideoFPS.GetFPS(),
		AudioFPS:     s.AudioFPS.GetFPS(),
		VideoGop:     s.VideoGop.GetGop(),
		VideoDelay:   s.VideoDelay.GetDelay(),
	}
}
