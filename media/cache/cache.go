package cache

import (
	"context"
	"sync"
	"time"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/frame"
)

const (
	// DefaultMaxDepth 默认缓存帧数上限
	DefaultMaxDepth = 512
	// DefaultMaxWait 消费者最长等待时间, 即使没有新帧也会被唤醒
	DefaultMaxWait = 50 * time.Millisecond
)

//        time
// ----------------->
//
// V-A-V-V-A-V-V-A-V-V
// |                 |
// head             tail
// oldest          latest
//

// Options configures a Cache.
type Options struct {
	MaxDepth int
	MaxWait  time.Duration
	// DropAudioWhileWaitingKey discards audio until the first key video
	// frame arrives. Audio is kept by default.
	DropAudioWhileWaitingKey bool
}

// Stat ...
type Stat struct {
	Depth           int    `json:"depth"`
	VideoCount      int    `json:"video_count"`
	AudioCount      int    `json:"audio_count"`
	HighWatermark   int    `json:"high_watermark"`
	PushCount       uint64 `json:"push_count"`
	PopCount        uint64 `json:"pop_count"`
	WaitKeyDrops    uint64 `json:"wait_key_drops"`
	AudioOnlyDrops  uint64 `json:"audio_only_drops"`
	OverflowDrops   uint64 `json:"overflow_drops"`
	ClearDrops      uint64 `json:"clear_drops"`
	WaitingKeyFrame bool   `json:"waiting_key_frame"`
	AudioOnly       bool   `json:"audio_only"`
	Closed          bool   `json:"closed"`
}

// Cache is the ordered frame buffer between the encoder thread and the
// publish worker. Frames leave in arrival order; policy drops never reorder
// the survivors.
type Cache struct {
	lock sync.Mutex

	ring  []*frame.EncodedFrame
	head  int
	count int

	waitKey   bool
	audioOnly bool
	closed    bool

	// latest parameter set frame, queued again ahead of the key frame that
	// ends keyframe-wait
	config *frame.EncodedFrame

	opts   Options
	notify chan struct{}
	stat   Stat
}

// New creates an open cache with keyframe-wait asserted.
func New(opts Options) *Cache {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &Cache{
		ring:    make([]*frame.EncodedFrame, opts.MaxDepth),
		waitKey: true,
		opts:    opts,
		notify:  make(chan struct{}, 1),
	}
}

// Push appends f to the tail. It never blocks on the consumer.
// queued is false when f was discarded by the keyframe-wait or audio-only
// policy, or when f is a config frame held for the next key frame. A full
// cache evicts the oldest non-key frame to make room.
func (c *Cache) Push(f *frame.EncodedFrame) (queued bool, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return false, errs.ErrCacheClosed
	}

	switch f.Kind {
	case frame.KindVideo:
		if f.IsConfig {
			c.config = f
			if c.audioOnly || c.waitKey {
				return false, nil
			}
			break
		}
		if c.audioOnly {
			c.stat.AudioOnlyDrops++
			return false, nil
		}
		if c.waitKey {
			if !f.IsKeyFrame {
				c.stat.WaitKeyDrops++
				return false, nil
			}
			c.waitKey = false
			if c.config != nil {
				// stamped like the key frame so the stream clock starts there
				cf := *c.config
				cf.Timestamp = f.Timestamp
				c.enqueue(&cf)
			}
		}
	case frame.KindAudio:
		if c.waitKey && c.opts.DropAudioWhileWaitingKey {
			c.stat.WaitKeyDrops++
			return false, nil
		}
	default:
		return false, errs.Wrapf(errs.ErrEncoderInput, "unknown frame kind %d", f.Kind)
	}

	c.enqueue(f)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true, nil
}

func (c *Cache) enqueue(f *frame.EncodedFrame) {
	if c.count == len(c.ring) {
		c.evict()
	}
	c.ring[(c.head+c.count)%len(c.ring)] = f
	c.count++
	c.stat.PushCount++
	if c.count > c.stat.HighWatermark {
		c.stat.HighWatermark = c.count
	}
}

// evict drops the oldest frame that is neither a key frame nor a config
// frame, or the oldest frame when there is none.
func (c *Cache) evict() {
	victim := 0
	for i := 0; i < c.count; i++ {
		if f := c.at(i); !f.IsKeyFrame && !f.IsConfig {
			victim = i
			break
		}
	}
	c.removeAt(victim)
	c.stat.OverflowDrops++
}

func (c *Cache) at(i int) *frame.EncodedFrame {
	return c.ring[(c.head+i)%len(c.ring)]
}

func (c *Cache) removeAt(i int) {
	n := len(c.ring)
	for j := i; j > 0; j-- {
		c.ring[(c.head+j)%n] = c.ring[(c.head+j-1)%n]
	}
	c.ring[c.head] = nil
	c.head = (c.head + 1) % n
	c.count--
}

// Pop removes the head frame.
func (c *Cache) Pop() (*frame.EncodedFrame, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.count == 0 {
		return nil, false
	}
	f := c.ring[c.head]
	c.ring[c.head] = nil
	c.head = (c.head + 1) % len(c.ring)
	c.count--
	c.stat.PopCount++
	return f, true
}

// Wait blocks until a frame may be available, MaxWait elapses or ctx is done.
// It reports whether frames are pending.
func (c *Cache) Wait(ctx context.Context) bool {
	if c.Len() > 0 {
		return true
	}
	t := time.NewTimer(c.opts.MaxWait)
	defer t.Stop()
	select {
	case <-c.notify:
	case <-t.C:
	case <-ctx.Done():
	}
	return c.Len() > 0
}

// Clear empties the cache and re-asserts keyframe-wait, so delivery resumes
// from a key frame after a discontinuity.
func (c *Cache) Clear() {
	c.lock.Lock()
	c.stat.ClearDrops += uint64(c.count)
	c.release()
	c.waitKey = true
	c.lock.Unlock()
}

// SetAudioOnly toggles audio-only mode. Enabling it also purges queued video;
// disabling it waits for a key frame before video flows again.
func (c *Cache) SetAudioOnly(on bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.audioOnly && !on {
		c.waitKey = true
	}
	c.audioOnly = on
	if !on || c.count == 0 {
		return
	}
	n := len(c.ring)
	kept := 0
	for i := 0; i < c.count; i++ {
		f := c.ring[(c.head+i)%n]
		if f.IsVideo() {
			c.stat.AudioOnlyDrops++
			continue
		}
		c.ring[(c.head+kept)%n] = f
		kept++
	}
	for i := kept; i < c.count; i++ {
		c.ring[(c.head+i)%n] = nil
	}
	c.count = kept
}

// AudioOnly ...
func (c *Cache) AudioOnly() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.audioOnly
}

// Reset reopens a closed cache, empty and waiting for a key frame.
func (c *Cache) Reset() {
	c.lock.Lock()
	c.release()
	c.waitKey = true
	c.closed = false
	c.lock.Unlock()
}

// Close releases all frames. Later pushes are rejected with ErrCacheClosed.
func (c *Cache) Close() {
	c.lock.Lock()
	c.release()
	c.closed = true
	c.lock.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Cache) release() {
	for i := 0; i < c.count; i++ {
		c.ring[(c.head+i)%len(c.ring)] = nil
	}
	c.head = 0
	c.count = 0
}

// Len returns the current depth, the backpressure signal exposed to callers.
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.count
}

// Stat returns a snapshot of the counters.
func (c *Cache) Stat() Stat {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := c.stat
	s.Depth = c.count
	for i := 0; i < c.count; i++ {
		if c.at(i).IsVideo() {
			s.VideoCount++
		} else {
			s.AudioCount++
		}
	}
	s.WaitingKeyFrame = c.waitKey
	s.AudioOnly = c.audioOnly
	s.Closed = c.closed
	return s
}
