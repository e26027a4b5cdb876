package statistics

import (
	"time"
)

const (
	DelayInterval = time.Second * 5
)

// Delay 发送时间与媒体时间的偏差, 每DelayInterval更新一次
type Delay struct {
	// naloseconds
	delay    int64
	interval time.Duration

	beginTS    int64
	firstPktTS int64
}

func NewDelay() *Delay {
	return &Delay{
		interval: DelayInterval,
	}
}

func (d *Delay) Add(pktTS time.Duration) {
	nowTS := now().UnixNano()
	if d.beginTS == 0 {
		d.beginTS = nowTS
		d.firstPktTS = int64(pktTS)
	}

	wnd := nowTS - d.beginTS
	if wnd > int64(d.interval) {
		d.delay = wnd - (int64(pktTS) - d.firstPktTS)
		d.beginTS = nowTS
		d.firstPktTS = int64(pktTS)
	}
}

// return ms
func (d *Delay) GetDelay() int64 {
	// ns, us, ms
	return d.delay / 1000 / 1000
}
