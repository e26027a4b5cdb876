package statistics

import (
	"time"
)

// now is replaced in tests.
var now = time.Now

// DefaultWindowSeconds 码率统计窗口, 单位秒
const DefaultWindowSeconds = 5

// rollingSum 按秒分桶的滑动窗口累加, 并发访问由调用方加锁
type rollingSum struct {
	// one bucket per second of the window plus the second being filled
	buckets []int64
	last    int64 // unix second of the newest bucket
}

func newRollingSum(seconds int) *rollingSum {
	return &rollingSum{buckets: make([]int64, seconds+1)}
}

// advance moves the window to sec, zeroing the seconds skipped since the last
// call. A clock going backwards keeps the current bucket.
func (r *rollingSum) advance(sec int64) {
	n := int64(len(r.buckets))
	gap := sec - r.last
	if gap <= 0 {
		return
	}
	if gap >= n {
		for i := range r.buckets {
			r.buckets[i] = 0
		}
	} else {
		for s := r.last + 1; s <= sec; s++ {
			r.buckets[s%n] = 0
		}
	}
	r.last = sec
}

func (r *rollingSum) Add(val int64) {
	r.advance(now().Unix())
	r.buckets[r.last%int64(len(r.buckets))] += val
}

// PerSecond 窗口内每秒平均值, 未写完的当前秒不计入
func (r *rollingSum) PerSecond() int64 {
	r.advance(now().Unix())
	n := int64(len(r.buckets))
	cur := r.last % n
	var sum int64
	for i, v := range r.buckets {
		if int64(i) != cur {
			sum += v
		}
	}
	return sum / (n - 1)
}
