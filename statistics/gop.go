package statistics

import (
	"time"
)

// Gop gop统计, 相邻两个关键帧的时间间隔
type Gop struct {
	gop time.Duration

	lastKeyTS time.Duration
	seenKey   bool
}

// NewGop ...
func NewGop() *Gop {
	return &Gop{}
}

// Add ...
func (g *Gop) Add(ts time.Duration, isKeyFrame bool) {
	if !isKeyFrame {
		return
	}
	if g.seenKey && ts > g.lastKeyTS {
		g.gop = ts - g.lastKeyTS
	}
	g.lastKeyTS = ts
	g.seenKey = true
}

// GetGop returns seconds.
func (g *Gop) GetGop() float64 {
	return g.gop.Seconds()
}
