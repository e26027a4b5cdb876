package publisher

import (
	"time"

	"go.uber.org/atomic"
)

type EventType int

const (
	EventConnected EventType = iota + 1
	EventPublishStarted
	EventReconnecting
	EventDisconnected
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventPublishStarted:
		return "publish_started"
	case EventReconnecting:
		return "reconnecting"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is a status notification. Code is an errs code, 0 when there is no error.
type Event struct {
	Type    EventType     `json:"-"`
	Name    string        `json:"event"`
	State   State         `json:"-"`
	Code    int32         `json:"code,omitempty"`
	Err     error         `json:"-"`
	Message string        `json:"message,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Time    time.Time     `json:"time"`
}

// StatusHandler receives events on the worker goroutine; implementations
// must not block and must redispatch if they need another goroutine.
// Disconnected and Closed are delivered at most once per session.
type StatusHandler interface {
	OnStatus(ev Event)
}

// StatusFunc adapts a function to StatusHandler.
type StatusFunc func(ev Event)

func (f StatusFunc) OnStatus(ev Event) {
	f(ev)
}

// ChanHandler forwards events to C without blocking the worker. Events that
// do not fit are counted in Dropped.
type ChanHandler struct {
	C       chan Event
	Dropped atomic.Uint64
}

func NewChanHandler(size int) *ChanHandler {
	return &ChanHandler{C: make(chan Event, size)}
}

func (h *ChanHandler) OnStatus(ev Event) {
	select {
	case h.C <- ev:
	default:
		h.Dropped.Inc()
	}
}
