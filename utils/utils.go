package utils

import (
	"context"
	"math/rand"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultRTMPPort = "1935"

// TimeToTs converts to an RTMP timestamp in milliseconds. It wraps at 2^32
// like the wire field does.
func TimeToTs(tm time.Duration) uint32 {
	return uint32(int64(tm / time.Millisecond))
}

// RepairHostWithPort1935 ...
func RepairHostWithPort1935(host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), DefaultRTMPPort)
	}
	return host
}

// PeelOffPort1935 截取IP:1935为IP
func PeelOffPort1935(host string) string {
	if h, port, err := net.SplitHostPort(host); err == nil {
		if port == DefaultRTMPPort {
			return h
		}
	}
	return host
}

// ContextDone 判断一个context是否已经结束/取消/超时
func ContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// SleepContext sleeps for d, returning false early if ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !ContextDone(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Jitter spreads d by +/- frac of itself.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

// LogPanic 记录recover得到的panic及调用栈, 须在recover所在的defer中调用
func LogPanic(info string, r interface{}) {
	const size = 64 << 10
	buf := make([]byte, size)
	buf = buf[:runtime.Stack(buf, false)]
	log.Error().Str("stack", string(buf)).Any("error", r).Msg(info)
}
