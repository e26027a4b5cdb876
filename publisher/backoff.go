package publisher

import (
	"math"
	"time"

	"github.com/wangscript007/ecmedia/utils"
)

// Delay returns the wait before reconnect attempt n (n >= 1):
// Initial*Multiplier^(n-1), capped at Max, spread by Jitter.
func (b BackoffConfig) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	delay := utils.Jitter(time.Duration(d), b.Jitter)
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
