package publisher

import (
	"go.uber.org/atomic"

	"github.com/wangscript007/ecmedia/common/errs"
)

// State is the RTMP session lifecycle.
type State int32

const (
	StateInit State = iota
	StateHandshaked
	StateConnected
	StatePublished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaked:
		return "handshaked"
	case StateConnected:
		return "connected"
	case StatePublished:
		return "published"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type event int

const (
	evStart event = iota
	evHandshakeOK
	evConnectOK
	evPublishOK
	evTransportError
	evRetriesExhausted
	evStop
)

func (e event) String() string {
	return [...]string{"start", "handshake_ok", "connect_ok", "publish_ok",
		"transport_error", "retries_exhausted", "stop"}[e]
}

type stateEvent struct {
	from State
	ev   event
}

// transition carries the one-shot effects applied when it fires.
type transition struct {
	to           State
	resetRetries bool
	flushCache   bool // drop queued frames and wait for a key frame
}

// Pairs missing from the table are rejected.
var transitions = map[stateEvent]transition{
	{StateInit, evStart}:   {to: StateInit, resetRetries: true, flushCache: true},
	{StateClosed, evStart}: {to: StateInit, resetRetries: true, flushCache: true},

	{StateInit, evHandshakeOK}:     {to: StateHandshaked},
	{StateHandshaked, evConnectOK}: {to: StateConnected},
	{StateConnected, evPublishOK}:  {to: StatePublished, resetRetries: true},

	{StateInit, evTransportError}:       {to: StateInit, flushCache: true},
	{StateHandshaked, evTransportError}: {to: StateInit, flushCache: true},
	{StateConnected, evTransportError}:  {to: StateInit, flushCache: true},
	{StatePublished, evTransportError}:  {to: StateInit, flushCache: true},

	{StateInit, evRetriesExhausted}:       {to: StateClosed, flushCache: true},
	{StateHandshaked, evRetriesExhausted}: {to: StateClosed, flushCache: true},
	{StateConnected, evRetriesExhausted}:  {to: StateClosed, flushCache: true},
	{StatePublished, evRetriesExhausted}:  {to: StateClosed, flushCache: true},

	{StateInit, evStop}:       {to: StateClosed, flushCache: true},
	{StateHandshaked, evStop}: {to: StateClosed, flushCache: true},
	{StateConnected, evStop}:  {to: StateClosed, flushCache: true},
	{StatePublished, evStop}:  {to: StateClosed, flushCache: true},
	{StateClosed, evStop}:     {to: StateClosed},
}

// machine is driven by the worker goroutine only; State and Retries may be
// read from anywhere.
type machine struct {
	state      atomic.Int32
	retries    atomic.Int32
	maxRetries int

	// onTransition applies the one-shot effects
	onTransition func(from State, ev event, tr transition)
}

func (m *machine) State() State {
	return State(m.state.Load())
}

func (m *machine) Retries() int {
	return int(m.retries.Load())
}

func (m *machine) fire(ev event) (State, error) {
	from := m.State()
	tr, ok := transitions[stateEvent{from, ev}]
	if !ok {
		return from, errs.Wrapf(errs.ErrProtocol, "invalid transition %s on %s", from, ev)
	}
	if tr.resetRetries {
		m.retries.Store(0)
	}
	m.state.Store(int32(tr.to))
	if m.onTransition != nil {
		m.onTransition(from, ev, tr)
	}
	return tr.to, nil
}

// fail counts a failed attempt and moves to Init while retries remain,
// Closed otherwise.
func (m *machine) fail() State {
	n := int(m.retries.Inc())
	ev := evTransportError
	if n >= m.maxRetries {
		ev = evRetriesExhausted
	}
	to, err := m.fire(ev)
	if err != nil {
		return m.State()
	}
	return to
}
