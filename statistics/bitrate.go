package statistics

// Bitrate 码率统计对象
type Bitrate struct {
	bits *rollingSum
}

// NewBitrate ...
func NewBitrate() *Bitrate {
	return &Bitrate{
		bits: newRollingSum(DefaultWindowSeconds),
	}
}

// Add records size bytes.
func (b *Bitrate) Add(size uint64) {
	b.bits.Add(int64(size * 8))
}

// GetBitrate returns bits per second over the last full window.
func (b *Bitrate) GetBitrate() uint64 {
	return uint64(b.bits.PerSecond())
}
