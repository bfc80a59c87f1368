package royalty

import (
	"os"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/aggregate"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/audio"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/fingerprint"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/ledger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/monitor"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

type Config struct {
	DBPath     string
	TempDir    string
	SampleRate int
	Logger     logger.Interface
	Capture    monitor.AudioCapture
	Notifier   ledger.Notifier
	Matcher    fingerprint.MatcherConfig
	Session    monitor.SessionConfig
	Aggregator aggregate.Config
	Retry      ledger.RetryConfig
}

type Option func(*Config)

func WithDBPath(path string) Option {
	return func(c *Config) {
		c.DBPath = path
	}
}

func WithTempDir(dir string) Option {
	return func(c *Config) {
		c.TempDir = dir
	}
}

func WithSampleRate(rate int) Option {
	return func(c *Config) {
		c.SampleRate = rate
	}
}

func WithLogger(log logger.Interface) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

func WithCapture(capture monitor.AudioCapture) Option {
	return func(c *Config) {
		c.Capture = capture
	}
}

func WithNotifier(notifier ledger.Notifier) Option {
	return func(c *Config) {
		c.Notifier = notifier
	}
}

func WithMatcherConfig(cfg fingerprint.MatcherConfig) Option {
	return func(c *Config) {
		c.Matcher = cfg
	}
}

func WithSessionConfig(cfg monitor.SessionConfig) Option {
	return func(c *Config) {
		c.Session = cfg
	}
}

func WithAggregatorConfig(cfg aggregate.Config) Option {
	return func(c *Config) {
		c.Aggregator = cfg
	}
}

func WithRetryConfig(cfg ledger.RetryConfig) Option {
	return func(c *Config) {
		c.Retry = cfg
	}
}

func defaultConfig() *Config {
	return &Config{
		DBPath:     storage.DefaultDBFile,
		TempDir:    os.TempDir(),
		SampleRate: audio.DefaultSampleRate,
		Matcher:    fingerprint.DefaultMatcherConfig(),
		Session:    monitor.DefaultSessionConfig(),
		Aggregator: aggregate.DefaultConfig(),
		Retry:      ledger.DefaultRetryConfig(),
	}
}
