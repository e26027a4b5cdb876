package publisher

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/wangscript007/ecmedia/media/frame"
)

// SendSample is the outcome of sending one frame.
type SendSample struct {
	Kind       frame.Kind
	Bytes      int
	Elapsed    time.Duration
	QueueDepth int
	Err        error
}

// BitrateController turns send outcomes into a recommended encoder bitrate.
// OnSendResult is called from the worker goroutine.
type BitrateController interface {
	OnSendResult(s SendSample)
	TargetBitrate() int // kbps
}

const (
	bitrateDecrease      = 0.85
	bitrateIncrease      = 1.05
	healthySamplesToRise = 50
	minAdjustInterval    = time.Second
)

// AdaptiveBitrate lowers the target on send failures or a deep queue and
// raises it slowly while the queue stays shallow.
type AdaptiveBitrate struct {
	mu       sync.Mutex
	cfg      BitrateConfig
	onChange func(kbps int)
	now      func() time.Time

	target     atomic.Int64
	healthy    int
	lastAdjust time.Time
}

// NewAdaptiveBitrate calls onChange, if set, on the worker goroutine whenever
// the target moves.
func NewAdaptiveBitrate(cfg BitrateConfig, onChange func(kbps int)) *AdaptiveBitrate {
	b := &AdaptiveBitrate{
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
	}
	b.target.Store(int64(cfg.Initial))
	return b
}

func (b *AdaptiveBitrate) TargetBitrate() int {
	return int(b.target.Load())
}

func (b *AdaptiveBitrate) OnSendResult(s SendSample) {
	b.mu.Lock()
	cur := int(b.target.Load())
	next := cur
	now := b.now()

	switch {
	case s.Err != nil || s.QueueDepth >= b.cfg.HighWatermark:
		b.healthy = 0
		if now.Sub(b.lastAdjust) >= minAdjustInterval {
			next = int(float64(cur) * bitrateDecrease)
		}
	case s.QueueDepth <= b.cfg.LowWatermark:
		b.healthy++
		if b.healthy >= healthySamplesToRise && now.Sub(b.lastAdjust) >= minAdjustInterval {
			b.healthy = 0
			next = int(float64(cur)*bitrateIncrease) + 1
		}
	}

	if next < b.cfg.Min {
		next = b.cfg.Min
	}
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	changed := next != cur
	if changed {
		b.target.Store(int64(next))
		b.lastAdjust = now
	}
	b.mu.Unlock()

	if changed && b.onChange != nil {
		b.onChange(next)
	}
}
