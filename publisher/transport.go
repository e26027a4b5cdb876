package publisher

import (
	"context"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/rs/zerolog"

	"github.com/wangscript007/ecmedia/protocol/common"
	"github.com/wangscript007/ecmedia/media/protocol/rtmp"
)

// Transport is the connection owned by the worker for one attempt.
// Only Interrupt may be called from another goroutine.
type Transport interface {
	Handshake() error
	Connect() error
	Publish() error
	WriteMetadata(meta flvio.AMFMap) error
	WriteTag(tag flvio.Tag, ts uint32) error
	Flush() error
	Interrupt()
	Close() error
}

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=publisher

// Dialer opens a Transport to the publish target.
type Dialer interface {
	Dial(ctx context.Context, info common.Info) (Transport, error)
}

type rtmpDialer struct {
	opts []rtmp.Option
}

// NewRTMPDialer dials with rtmp.Dial using cfg's timeouts and chunk size.
func NewRTMPDialer(cfg RTMPConfig, logger zerolog.Logger) Dialer {
	return &rtmpDialer{
		opts: []rtmp.Option{
			rtmp.WithDialTimeout(cfg.DialTimeout),
			rtmp.WithReadWriteTimeout(cfg.RWTimeout),
			rtmp.WithChunkSize(cfg.ChunkSize),
			rtmp.WithLogger(logger),
		},
	}
}

func (d *rtmpDialer) Dial(ctx context.Context, info common.Info) (Transport, error) {
	return rtmp.Dial(ctx, info, d.opts...)
}
