package rtmp

import (
	"time"

	"github.com/rs/zerolog"
)

var DefaultOptions = NewOptions()

// rtmp连接的参数选项
type Options struct {
	DialTimeout      time.Duration
	ReadWriteTimeout time.Duration
	ReadBufferSize   int // 单位: 字节
	WriteBufferSize  int // 单位: 字节
	ChunkSize        int // 单位：字节
	WindowAckSize    uint32
	FlashVer         string
	Hook             Hook
	Logger           *zerolog.Logger // nil uses the global logger
}

// rtmp连接的参数选项设置函数
type Option func(*Options)

// NewOptions 创建rtmp连接选项
func NewOptions() Options {
	return Options{
		ReadWriteTimeout: time.Second * 10,
		DialTimeout:      time.Second * 3,
		ReadBufferSize:   4 * 1024,
		WriteBufferSize:  4 * 1024,
		ChunkSize:        4 * 1024,
		WindowAckSize:    5000000,
		FlashVer:         "FMLE/3.0 (compatible; ecmedia)",
	}
}

// WithDialTimeout 建立连接的超时时间
func WithDialTimeout(dialTimeout time.Duration) Option {
	return func(opts *Options) {
		opts.DialTimeout = dialTimeout
	}
}

// WithReadWriteTimeout 设置rtmp连接的读写超时时间, 每次socket读写前生效
func WithReadWriteTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.ReadWriteTimeout = timeout
	}
}

// WithReadBufferSize 设置rtmp连接读缓存的大小
func WithReadBufferSize(size int) Option {
	return func(opts *Options) {
		opts.ReadBufferSize = size
	}
}

// WithWriteBufferSize 设置rtmp连接写缓存的大小
func WithWriteBufferSize(size int) Option {
	return func(opts *Options) {
		opts.WriteBufferSize = size
	}
}

// WithChunkSize 设置rtmp的ChunkSize
func WithChunkSize(size int) Option {
	return func(opts *Options) {
		opts.ChunkSize = size
	}
}

// WithFlashVer 设置connect命令中的flashVer
func WithFlashVer(ver string) Option {
	return func(opts *Options) {
		opts.FlashVer = ver
	}
}

// WithServerHook 设置rtmp服务端的hook
func WithServerHook(hook Hook) Option {
	return func(opts *Options) {
		opts.Hook = hook
	}
}

// WithLogger 设置连接日志, 默认为全局logger
func WithLogger(logger zerolog.Logger) Option {
	return func(opts *Options) {
		opts.Logger = &logger
	}
}

func applyOptions(opt []Option) *Options {
	opts := DefaultOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.ChunkSize < minChunkSize {
		opts.ChunkSize = minChunkSize
	}
	if opts.ChunkSize > maxChunkSize {
		opts.ChunkSize = maxChunkSize
	}
	return &opts
}
