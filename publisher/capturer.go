package publisher

import (
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/cache"
	"github.com/wangscript007/ecmedia/media/flv"
	"github.com/wangscript007/ecmedia/media/frame"
)

// CapturerAdapter is the ingestion side called by the encoder. Every method
// is safe for concurrent use and never blocks on the network. While the
// publisher is stopped the calls are no-ops.
type CapturerAdapter struct {
	cache *cache.Cache
	log   *zerolog.Logger

	closed     atomic.Bool
	inputDrops atomic.Uint64
}

func newCapturerAdapter(c *cache.Cache, logger *zerolog.Logger) *CapturerAdapter {
	a := &CapturerAdapter{cache: c, log: logger}
	a.closed.Store(true)
	return a
}

// OnVideoFrame queues one encoded H.264 access unit in Annex-B form.
// Only malformed input is reported; policy drops are not errors.
func (a *CapturerAdapter) OnVideoFrame(data []byte, isKeyFrame bool, ts time.Duration) error {
	if a.closed.Load() {
		return nil
	}
	f, err := frame.NewVideo(data, isKeyFrame, ts)
	if err != nil {
		return a.reject(err, frame.KindVideo)
	}
	f.IsConfig = flv.IsParameterSets(f.Data)
	return a.push(f)
}

// OnAudioFrame queues one AAC frame, ADTS or raw.
func (a *CapturerAdapter) OnAudioFrame(data []byte, ts time.Duration) error {
	if a.closed.Load() {
		return nil
	}
	f, err := frame.NewAudio(data, ts)
	if err != nil {
		return a.reject(err, frame.KindAudio)
	}
	return a.push(f)
}

// OnCapturerAvcDataReady is OnVideoFrame for encoders that do not flag key
// frames: an IDR slice marks the frame as key.
func (a *CapturerAdapter) OnCapturerAvcDataReady(data []byte, ts time.Duration) {
	_ = a.OnVideoFrame(data, flv.ContainsIDR(data), ts)
}

func (a *CapturerAdapter) OnCapturerAacDataReady(data []byte, ts time.Duration) {
	_ = a.OnAudioFrame(data, ts)
}

func (a *CapturerAdapter) push(f *frame.EncodedFrame) error {
	_, err := a.cache.Push(f)
	if errs.Is(err, errs.ErrCacheClosed) {
		// raced with Stop
		return nil
	}
	if err != nil {
		return a.reject(err, f.Kind)
	}
	return nil
}

func (a *CapturerAdapter) reject(err error, kind frame.Kind) error {
	n := a.inputDrops.Inc()
	a.log.Warn().Err(err).Stringer("kind", kind).Uint64("input_drops", n).Msg("drop encoder frame")
	return err
}
