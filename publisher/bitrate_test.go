package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wangscript007/ecmedia/common/errs"
)

func newTestBitrate(changes *[]int) (*AdaptiveBitrate, *time.Time) {
	now := time.Unix(1700000000, 0)
	b := NewAdaptiveBitrate(BitrateConfig{
		Initial:       1000,
		Min:           300,
		Max:           2000,
		HighWatermark: 64,
		LowWatermark:  8,
	}, func(kbps int) { *changes = append(*changes, kbps) })
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBitrateDecreasesOnError(t *testing.T) {
	var changes []int
	b, now := newTestBitrate(&changes)
	fail := SendSample{Err: errs.ErrTransport}

	b.OnSendResult(fail)
	assert.Equal(t, 850, b.TargetBitrate())

	// at most one step per second
	b.OnSendResult(fail)
	assert.Equal(t, 850, b.TargetBitrate())

	*now = now.Add(time.Second)
	b.OnSendResult(SendSample{QueueDepth: 64})
	assert.Equal(t, 722, b.TargetBitrate())
	assert.Equal(t, []int{850, 722}, changes)
}

func TestBitrateClampsToMin(t *testing.T) {
	var changes []int
	b, now := newTestBitrate(&changes)
	for i := 0; i < 20; i++ {
		b.OnSendResult(SendSample{Err: errs.ErrTransport})
		*now = now.Add(time.Second)
	}
	assert.Equal(t, 300, b.TargetBitrate())
	assert.Equal(t, 300, changes[len(changes)-1])
}

func TestBitrateIncreasesWhenHealthy(t *testing.T) {
	var changes []int
	b, now := newTestBitrate(&changes)

	for i := 0; i < healthySamplesToRise-1; i++ {
		b.OnSendResult(SendSample{Bytes: 1000, QueueDepth: 1})
	}
	assert.Equal(t, 1000, b.TargetBitrate())

	b.OnSendResult(SendSample{Bytes: 1000, QueueDepth: 1})
	assert.Equal(t, 1051, b.TargetBitrate())

	// the next run is held back by the adjust interval
	for i := 0; i < healthySamplesToRise; i++ {
		b.OnSendResult(SendSample{QueueDepth: 0})
	}
	assert.Equal(t, 1051, b.TargetBitrate())

	*now = now.Add(time.Second)
	for i := 0; i < healthySamplesToRise; i++ {
		b.OnSendResult(SendSample{QueueDepth: 0})
	}
	assert.Greater(t, b.TargetBitrate(), 1051)

	// a queue between the watermarks keeps the target
	before := b.TargetBitrate()
	*now = now.Add(time.Second)
	for i := 0; i < 2*healthySamplesToRise; i++ {
		b.OnSendResult(SendSample{QueueDepth: 20})
	}
	assert.Equal(t, before, b.TargetBitrate())
}
