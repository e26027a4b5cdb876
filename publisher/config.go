package publisher

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/media/cache"
)

// Config is copied by Start and never changes while a session runs.
type Config struct {
	URL        string        `yaml:"url"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    BackoffConfig `yaml:"backoff"`
	AudioOnly  bool          `yaml:"audio_only"`
	Cache      CacheConfig   `yaml:"cache"`
	RTMP       RTMPConfig    `yaml:"rtmp"`
	Audio      AudioConfig   `yaml:"audio"`
	Bitrate    BitrateConfig `yaml:"bitrate"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"` // fraction of the delay, [0, 1)
}

type CacheConfig struct {
	MaxDepth                 int           `yaml:"max_depth"`
	MaxWait                  time.Duration `yaml:"max_wait"`
	DropAudioWhileWaitingKey bool          `yaml:"drop_audio_while_waiting_key"`
}

type RTMPConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	RWTimeout   time.Duration `yaml:"rw_timeout"`
	ChunkSize   int           `yaml:"chunk_size"`
}

// AudioConfig describes raw AAC input. ADTS input carries its own config.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// BitrateConfig drives the default adaptive controller. Rates are kbps,
// watermarks are cache depths.
type BitrateConfig struct {
	Initial       int `yaml:"initial"`
	Min           int `yaml:"min"`
	Max           int `yaml:"max"`
	HighWatermark int `yaml:"high_watermark"`
	LowWatermark  int `yaml:"low_watermark"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		Backoff: BackoffConfig{
			Initial:    500 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2.0,
			Jitter:     0.2,
		},
		Cache: CacheConfig{
			MaxDepth: cache.DefaultMaxDepth,
			MaxWait:  cache.DefaultMaxWait,
		},
		RTMP: RTMPConfig{
			DialTimeout: 3 * time.Second,
			RWTimeout:   10 * time.Second,
			ChunkSize:   4096,
		},
		Audio: AudioConfig{
			SampleRate: 44100,
			Channels:   2,
		},
		Bitrate: BitrateConfig{
			Initial:       1500,
			Min:           300,
			Max:           4000,
			HighWatermark: 64,
			LowWatermark:  8,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrapf(errs.ErrInvalidConfig, "read %s: %v", path, err)
	}
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errs.Wrapf(errs.ErrInvalidConfig, "parse %s: %v", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks everything except URL, which is checked by Start.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 1:
		return errs.Wrapf(errs.ErrInvalidConfig, "max_retries must be >= 1, got %d", c.MaxRetries)
	case c.Backoff.Initial <= 0:
		return errs.Wrap(errs.ErrInvalidConfig, "backoff.initial must be positive")
	case c.Backoff.Max < c.Backoff.Initial:
		return errs.Wrap(errs.ErrInvalidConfig, "backoff.max must be >= backoff.initial")
	case c.Backoff.Multiplier < 1:
		return errs.Wrapf(errs.ErrInvalidConfig, "backoff.multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	case c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1:
		return errs.Wrapf(errs.ErrInvalidConfig, "backoff.jitter must be in [0, 1), got %v", c.Backoff.Jitter)
	case c.Cache.MaxDepth < 1:
		return errs.Wrap(errs.ErrInvalidConfig, "cache.max_depth must be >= 1")
	case c.Cache.MaxWait <= 0:
		return errs.Wrap(errs.ErrInvalidConfig, "cache.max_wait must be positive")
	case c.RTMP.DialTimeout <= 0 || c.RTMP.RWTimeout <= 0:
		return errs.Wrap(errs.ErrInvalidConfig, "rtmp timeouts must be positive")
	case c.RTMP.ChunkSize < 128 || c.RTMP.ChunkSize > 0xFFFFFF:
		return errs.Wrapf(errs.ErrInvalidConfig, "rtmp.chunk_size out of range: %d", c.RTMP.ChunkSize)
	case c.Audio.SampleRate <= 0 || c.Audio.Channels < 1:
		return errs.Wrap(errs.ErrInvalidConfig, "audio sample_rate and channels must be positive")
	case c.Bitrate.Min <= 0 || c.Bitrate.Min > c.Bitrate.Initial || c.Bitrate.Initial > c.Bitrate.Max:
		return errs.Wrapf(errs.ErrInvalidConfig, "bitrate must satisfy 0 < min <= initial <= max, got %d/%d/%d",
			c.Bitrate.Min, c.Bitrate.Initial, c.Bitrate.Max)
	case c.Bitrate.LowWatermark < 0 || c.Bitrate.LowWatermark >= c.Bitrate.HighWatermark:
		return errs.Wrap(errs.ErrInvalidConfig, "bitrate.low_watermark must be below high_watermark")
	}
	return nil
}

func (c Config) cacheOptions() cache.Options {
	return cache.Options{
		MaxDepth:                 c.Cache.MaxDepth,
		MaxWait:                  c.Cache.MaxWait,
		DropAudioWhileWaitingKey: c.Cache.DropAudioWhileWaitingKey,
	}
}
