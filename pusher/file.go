package pusher

import (
	"context"
	"os"
	"time"

	"github.com/nareix/joy4/codec/aacparser"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/flv"
	"github.com/wangscript007/ecmedia/publisher"
	"github.com/wangscript007/ecmedia/statistics"
	"github.com/wangscript007/ecmedia/utils"
)

var startCode = []byte{0, 0, 0, 1}

// FileOptions 文件推流参数
type FileOptions struct {
	VideoFile string // H.264 Annex-B elementary stream
	AudioFile string // AAC ADTS elementary stream
	FPS       int
	Loop      bool
	Hook      *JSONHook
}

// FilePusher plays elementary stream files into a Publisher at wall-clock
// pace, standing in for a live encoder.
type FilePusher struct {
	cfg  publisher.Config
	opts FileOptions
}

func NewFilePusher(cfg publisher.Config, opts FileOptions) *FilePusher {
	if opts.FPS <= 0 {
		opts.FPS = 25
	}
	return &FilePusher{cfg: cfg, opts: opts}
}

func (r *FilePusher) Publish(ctx context.Context) error {
	if r.opts.VideoFile == "" && r.opts.AudioFile == "" {
		return errs.Wrap(errs.ErrInvalidConfig, "no video or audio file")
	}

	var popts []publisher.Option
	if r.opts.Hook != nil {
		popts = append(popts, publisher.WithStatusHandler(r.opts.Hook))
	}
	p, err := publisher.New(r.cfg, popts...)
	if err != nil {
		return err
	}
	if err = p.Start(r.cfg.URL); err != nil {
		return err
	}
	defer p.Stop()

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(feedCtx)

	start := time.Now()
	if r.opts.VideoFile != "" {
		g.Go(func() error {
			return r.feedVideo(gctx, p, start)
		})
	}
	if r.opts.AudioFile != "" {
		g.Go(func() error {
			return r.feedAudio(gctx, p, start)
		})
	}
	g.Go(func() error {
		r.report(gctx, p)
		return nil
	})
	g.Go(func() error {
		select {
		case <-p.Done():
			// retries exhausted
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err = g.Wait(); err != nil {
		return err
	}
	return p.Err()
}

func (r *FilePusher) feedVideo(ctx context.Context, p *publisher.Publisher, start time.Time) error {
	data, err := os.ReadFile(r.opts.VideoFile)
	if err != nil {
		return errs.Wrapf(errs.ErrEncoderInput, "read %s: %v", r.opts.VideoFile, err)
	}
	aus := SplitAccessUnits(data)
	if len(aus) == 0 {
		return errs.Wrapf(errs.ErrEncoderInput, "%s: no h264 access unit", r.opts.VideoFile)
	}
	log.Info().Str("file", r.opts.VideoFile).Int("frames", len(aus)).Int("fps", r.opts.FPS).Msg("feed video")

	interval := time.Second / time.Duration(r.opts.FPS)
	var ts time.Duration
	for {
		for _, au := range aus {
			if !utils.SleepContext(ctx, time.Until(start.Add(ts))) {
				return nil
			}
			p.OnCapturerAvcDataReady(au, ts)
			ts += interval
		}
		if !r.opts.Loop {
			return nil
		}
	}
}

func (r *FilePusher) feedAudio(ctx context.Context, p *publisher.Publisher, start time.Time) error {
	data, err := os.ReadFile(r.opts.AudioFile)
	if err != nil {
		return errs.Wrapf(errs.ErrEncoderInput, "read %s: %v", r.opts.AudioFile, err)
	}
	frames, rate, err := SplitADTS(data)
	if err != nil {
		return err
	}
	log.Info().Str("file", r.opts.AudioFile).Int("frames", len(frames)).Int("sample_rate", rate).Msg("feed audio")

	interval := time.Duration(1024) * time.Second / time.Duration(rate)
	var ts time.Duration
	for {
		for _, f := range frames {
			if !utils.SleepContext(ctx, time.Until(start.Add(ts))) {
				return nil
			}
			p.OnCapturerAacDataReady(f, ts)
			ts += interval
		}
		if !r.opts.Loop {
			return nil
		}
	}
}

func (r *FilePusher) report(ctx context.Context, p *publisher.Publisher) {
	t := time.NewTicker(statistics.StatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stats := p.Stats()
			if r.opts.Hook != nil {
				r.opts.Hook.OnStats(stats)
			}
			log.Debug().Str("state", stats.State).Int("queue", stats.QueueDepth).
				Uint64("bytes", stats.Flow.Bytes).Int("target_kbps", stats.TargetBitrate).Msg("push stats")
		}
	}
}

// SplitAccessUnits groups an Annex-B stream into access units: parameter sets
// and SEI are attached to the slice that follows them. Each slice NALU ends an
// access unit, so multi-slice pictures are split.
func SplitAccessUnits(b []byte) [][]byte {
	var aus [][]byte
	var cur []byte
	for _, nalu := range flv.SplitNALUs(b) {
		cur = append(cur, startCode...)
		cur = append(cur, nalu...)
		switch flv.NALUType(nalu) {
		case flv.NALUNonIDR, flv.NALUIDR:
			aus = append(aus, cur)
			cur = nil
		}
	}
	return aus
}

// SplitADTS cuts an ADTS stream into frames, headers kept, and returns the
// sample rate of the first frame.
func SplitADTS(b []byte) (frames [][]byte, sampleRate int, err error) {
	for len(b) > 0 {
		if len(b) < aacparser.ADTSHeaderLength {
			return nil, 0, errs.Wrapf(errs.ErrEncoderInput, "truncated adts header: %d bytes", len(b))
		}
		config, _, framelen, _, perr := aacparser.ParseADTSHeader(b)
		if perr != nil {
			return nil, 0, errs.Wrapf(errs.ErrEncoderInput, "adts: %v", perr)
		}
		if framelen <= 0 || framelen > len(b) {
			return nil, 0, errs.Wrapf(errs.ErrEncoderInput, "adts frame length %d exceeds buffer %d", framelen, len(b))
		}
		if sampleRate == 0 {
			config.Complete()
			sampleRate = config.SampleRate
		}
		frames = append(frames, b[:framelen])
		b = b[framelen:]
	}
	if len(frames) == 0 || sampleRate <= 0 {
		return nil, 0, errs.Wrap(errs.ErrEncoderInput, "no adts frame")
	}
	return frames, sampleRate, nil
}
