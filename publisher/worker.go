package publisher

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/frame"
	"github.com/wangscript007/ecmedia/protocol/common"
	"github.com/wangscript007/ecmedia/utils"
)

// worker is one session between Start and the end of the run loop. It is the
// only writer of the state machine and the transport.
type worker struct {
	p    *Publisher
	cfg  Config
	info common.Info
	log  zerolog.Logger
	done chan struct{}

	t Transport
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			utils.LogPanic("publish worker", r)
			w.abort(errs.Wrapf(errs.ErrInternal, "publish worker panic: %v", r))
		}
	}()

	for {
		if utils.ContextDone(ctx) {
			w.finish(nil)
			return
		}

		if w.t == nil {
			if err := w.establish(ctx); err != nil {
				if utils.ContextDone(ctx) {
					w.finish(nil)
					return
				}
				if !w.retry(ctx, err) {
					return
				}
				continue
			}
		}

		if !w.p.cache.Wait(ctx) {
			continue
		}
		if err := w.drain(ctx); err != nil {
			w.teardown()
			if utils.ContextDone(ctx) {
				w.finish(nil)
				return
			}
			if !w.retry(ctx, err) {
				return
			}
		}
	}
}

// establish dials and walks the handshake, connect and publish steps.
func (w *worker) establish(ctx context.Context) (err error) {
	t, err := w.p.dialer.Dial(ctx, w.info)
	if err != nil {
		return err
	}
	w.p.setTransport(t)
	defer func() {
		if err != nil {
			w.p.setTransport(nil)
			t.Close()
		}
	}()

	if err = t.Handshake(); err != nil {
		return err
	}
	if _, err = w.p.m.fire(evHandshakeOK); err != nil {
		return err
	}
	if err = t.Connect(); err != nil {
		return err
	}
	if _, err = w.p.m.fire(evConnectOK); err != nil {
		return err
	}
	w.p.emit(Event{Type: EventConnected})

	if err = t.Publish(); err != nil {
		return err
	}
	if _, err = w.p.m.fire(evPublishOK); err != nil {
		return err
	}
	w.t = t
	w.log.Info().Str("app", w.info.App).Str("stream", w.info.StreamName).Msg("publish started")
	w.p.emit(Event{Type: EventPublishStarted})
	return nil
}

// drain sends every queued frame in order. The first failed write aborts it.
func (w *worker) drain(ctx context.Context) error {
	sent := 0
	for !utils.ContextDone(ctx) {
		f, ok := w.p.cache.Pop()
		if !ok {
			break
		}
		if err := w.send(f); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		return nil
	}
	if err := w.t.Flush(); err != nil {
		return err
	}
	return nil
}

func (w *worker) send(f *frame.EncodedFrame) error {
	pkts, err := w.p.packager.Pack(f)
	if err != nil {
		if errs.Is(err, errs.ErrEncoderInput) {
			w.p.reject(err, f.Kind)
			return nil
		}
		return err
	}

	start := time.Now()
	if meta, ok := w.p.packager.TakeMetadata(); ok {
		if err = w.t.WriteMetadata(meta); err != nil {
			w.report(f, 0, start, err)
			return err
		}
	}
	if len(pkts) == 0 {
		// parameter sets already known
		return nil
	}
	size := 0
	for _, pkt := range pkts {
		if err = w.t.WriteTag(pkt.Tag, pkt.Time); err != nil {
			w.report(f, size, start, err)
			return err
		}
		size += pkt.Size()
	}
	w.p.flow.Stat(f, size)
	w.report(f, size, start, nil)
	w.log.Trace().Stringer("kind", f.Kind).Bool("key", f.IsKeyFrame).Int("bytes", size).
		Dur("ts", f.Timestamp).Msg("frame sent")
	return nil
}

func (w *worker) report(f *frame.EncodedFrame, size int, start time.Time, err error) {
	w.p.bitrate.OnSendResult(SendSample{
		Kind:       f.Kind,
		Bytes:      size,
		Elapsed:    time.Since(start),
		QueueDepth: w.p.cache.Len(),
		Err:        err,
	})
}

// retry counts the failure and waits out the backoff. It returns false once
// the session is over.
func (w *worker) retry(ctx context.Context, err error) bool {
	if !errs.Retryable(err) {
		w.log.Warn().Err(err).Msg("unexpected error, treated as transport failure")
	}

	if w.p.m.fail() == StateClosed {
		w.log.Error().Err(err).Int("retries", w.p.m.Retries()).Msg("publish failed, retries exhausted")
		w.finish(err)
		return false
	}

	attempt := w.p.m.Retries()
	delay := w.cfg.Backoff.Delay(attempt)
	w.log.Error().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("publish failed, reconnecting")
	w.p.emit(Event{Type: EventReconnecting, Err: err, Attempt: attempt, Delay: delay})

	if !utils.SleepContext(ctx, delay) {
		w.finish(nil)
		return false
	}
	return true
}

func (w *worker) teardown() {
	if w.t == nil {
		return
	}
	w.p.setTransport(nil)
	if err := w.t.Close(); err != nil {
		w.log.Debug().Err(err).Msg("close transport")
	}
	w.t = nil
}

// finish settles in Closed. err is nil when stopped by the owner.
func (w *worker) finish(err error) {
	w.teardown()

	if err == nil {
		w.p.m.fire(evStop)
		w.p.emit(Event{Type: EventClosed})
		return
	}

	// the machine is already Closed after retries_exhausted
	w.p.closed.Store(true)
	w.p.setErr(errs.Wrapf(errs.ErrRetryExhausted, "%d attempts: %v", w.p.m.Retries(), err))
	w.p.emit(Event{Type: EventDisconnected, Err: err, Attempt: w.p.m.Retries()})
	w.p.emit(Event{Type: EventClosed, Err: err})
}

// abort settles in Closed after the run loop panicked.
func (w *worker) abort(err error) {
	w.teardown()
	w.p.closed.Store(true)
	w.p.m.fire(evStop)
	w.p.setErr(err)
	w.p.emit(Event{Type: EventClosed, Err: err})
}
