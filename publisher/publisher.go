// Package publisher publishes a live H.264/AAC stream to one RTMP endpoint.
//
// The encoder pushes frames through the CapturerAdapter methods; a single
// worker goroutine drains the frame cache, keeps the RTMP session alive and
// reconnects with backoff when the network fails.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/cache"
	"github.com/wangscript007/ecmedia/media/flv"
	"github.com/wangscript007/ecmedia/protocol/common"
	"github.com/wangscript007/ecmedia/statistics"
)

// stopGrace is how long Stop lets the worker finish the graceful close before
// interrupting the socket.
const stopGrace = time.Second

type Option func(*Publisher)

// WithDialer replaces the RTMP dialer.
func WithDialer(d Dialer) Option {
	return func(p *Publisher) {
		p.dialer = d
	}
}

func WithStatusHandler(h StatusHandler) Option {
	return func(p *Publisher) {
		p.handler = h
	}
}

// WithBitrateController replaces the default AdaptiveBitrate.
func WithBitrateController(b BitrateController) Option {
	return func(p *Publisher) {
		p.bitrate = b
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Publisher) {
		p.log = logger
	}
}

// Publisher 推流器, 一个实例对应一个推流地址
type Publisher struct {
	*CapturerAdapter

	id      string
	cfg     Config
	log     zerolog.Logger
	dialer  Dialer
	handler StatusHandler
	bitrate BitrateController

	cache *cache.Cache
	flow  *statistics.AVFlow
	m     machine

	// worker only
	packager *flv.Packager

	lock   sync.Mutex // serializes Start and Stop
	cancel context.CancelFunc
	done   chan struct{}

	tlock     sync.Mutex
	transport Transport

	elock   sync.Mutex
	lastErr error
}

// New creates a stopped publisher. cfg.URL may be empty when Start is given
// the url.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Publisher{
		id:    uuid.NewString(),
		cfg:   cfg,
		log:   log.Logger,
		cache: cache.New(cfg.cacheOptions()),
		flow:  statistics.NewAVFlow(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With().Str("sid", p.id).Logger()
	if p.dialer == nil {
		p.dialer = NewRTMPDialer(cfg.RTMP, p.log)
	}
	if p.bitrate == nil {
		p.bitrate = NewAdaptiveBitrate(cfg.Bitrate, func(kbps int) {
			p.log.Info().Int("kbps", kbps).Msg("target bitrate changed")
		})
	}
	p.m.maxRetries = cfg.MaxRetries
	p.m.onTransition = p.onTransition
	p.cache.SetAudioOnly(cfg.AudioOnly)
	p.CapturerAdapter = newCapturerAdapter(p.cache, &p.log)
	return p, nil
}

// ID is the session id carried by every log line.
func (p *Publisher) ID() string {
	return p.id
}

// Start begins publishing to rawurl, or to the configured URL when rawurl is
// empty. It fails with ErrAlreadyRunning while a worker is alive.
func (p *Publisher) Start(rawurl string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.done != nil {
		select {
		case <-p.done:
		default:
			return errs.Wrapf(errs.ErrAlreadyRunning, "publisher %s", p.id)
		}
	}

	cfg := p.cfg
	if rawurl != "" {
		cfg.URL = rawurl
	}
	info, err := common.ParseURL(cfg.URL)
	if err != nil {
		return err
	}

	p.cache.Reset()
	p.packager = flv.NewPackager(flv.Options{
		AudioSampleRate: cfg.Audio.SampleRate,
		AudioChannels:   cfg.Audio.Channels,
	})
	if _, err = p.m.fire(evStart); err != nil {
		return err
	}
	p.setErr(nil)

	if p.cancel != nil {
		// previous session ended on its own
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.closed.Store(false)

	w := &worker{
		p:    p,
		cfg:  cfg,
		info: info,
		log:  p.log.With().Str("url", cfg.URL).Logger(),
		done: p.done,
	}
	w.log.Info().Int("max_retries", cfg.MaxRetries).Msg("publisher start")
	go w.run(ctx)
	return nil
}

// Stop ends the session, joins the worker and drops every cached frame.
// A second Stop returns ErrNotRunning.
func (p *Publisher) Stop() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.done == nil {
		return errs.Wrapf(errs.ErrNotRunning, "publisher %s", p.id)
	}
	p.closed.Store(true)
	p.cancel()

	t := time.NewTimer(stopGrace)
	select {
	case <-p.done:
	case <-t.C:
		p.log.Warn().Dur("grace", stopGrace).Msg("worker still busy, interrupt transport")
		p.interruptTransport()
		<-p.done
	}
	t.Stop()

	p.cache.Close()
	p.done = nil
	p.cancel = nil
	p.log.Info().Msg("publisher stopped")
	return nil
}

// SetAudioOnly drops video at ingestion while on. Switching back waits for a
// key frame.
func (p *Publisher) SetAudioOnly(on bool) {
	p.cache.SetAudioOnly(on)
	p.log.Info().Bool("audio_only", on).Msg("set audio only")
}

// ClearCache drops every queued frame and waits for the next key frame. The
// connection is left alone.
func (p *Publisher) ClearCache() {
	p.cache.Clear()
	p.log.Debug().Msg("cache cleared")
}

// QueueDepth is the backpressure signal: frames waiting to be sent.
func (p *Publisher) QueueDepth() int {
	return p.cache.Len()
}

func (p *Publisher) State() State {
	return p.m.State()
}

// TargetBitrate is the encoder bitrate recommended by the controller, kbps.
func (p *Publisher) TargetBitrate() int {
	return p.bitrate.TargetBitrate()
}

// Done is closed when the current worker exits, either after Stop or after
// retries are exhausted.
func (p *Publisher) Done() <-chan struct{} {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return p.done
}

// Err returns why the last session ended, nil when it was stopped.
func (p *Publisher) Err() error {
	p.elock.Lock()
	defer p.elock.Unlock()
	return p.lastErr
}

// Stats 推流状态快照
type Stats struct {
	ID            string                  `json:"id"`
	State         string                  `json:"state"`
	Retries       int                     `json:"retries"`
	QueueDepth    int                     `json:"queue_depth"`
	TargetBitrate int                     `json:"target_bitrate"` // kbps
	InputDrops    uint64                  `json:"input_drops"`
	Cache         cache.Stat              `json:"cache"`
	Flow          statistics.FlowSnapshot `json:"flow"`
}

func (p *Publisher) Stats() Stats {
	cs := p.cache.Stat()
	return Stats{
		ID:            p.id,
		State:         p.m.State().String(),
		Retries:       p.m.Retries(),
		QueueDepth:    cs.Depth,
		TargetBitrate: p.bitrate.TargetBitrate(),
		InputDrops:    p.inputDrops.Load(),
		Cache:         cs,
		Flow:          p.flow.Snapshot(),
	}
}

func (p *Publisher) onTransition(from State, ev event, tr transition) {
	if tr.flushCache {
		p.cache.Clear()
		p.packager.Reset()
	}
	if from != tr.to {
		p.log.Info().Stringer("from", from).Stringer("to", tr.to).Stringer("event", ev).
			Int("retries", p.m.Retries()).Msg("state transition")
	}
}

func (p *Publisher) setTransport(t Transport) {
	p.tlock.Lock()
	p.transport = t
	p.tlock.Unlock()
}

func (p *Publisher) interruptTransport() {
	p.tlock.Lock()
	defer p.tlock.Unlock()
	if p.transport != nil {
		p.transport.Interrupt()
	}
}

func (p *Publisher) setErr(err error) {
	p.elock.Lock()
	p.lastErr = err
	p.elock.Unlock()
}

func (p *Publisher) emit(ev Event) {
	ev.Name = ev.Type.String()
	ev.State = p.m.State()
	ev.Time = time.Now()
	if ev.Err != nil {
		ev.Code = errs.Code(ev.Err)
		ev.Message = ev.Err.Error()
	}
	p.log.Debug().Str("event", ev.Name).Int32("code", ev.Code).Int("attempt", ev.Attempt).Msg("status")
	if p.handler != nil {
		p.handler.OnStatus(ev)
	}
}
