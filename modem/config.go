package modem

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Config holds the modem settings. Build it with NewConfigBuilder.
type Config struct {
	dialer   Dialer
	power    PowerCycler
	logger   *zap.Logger
	observer Observer

	simPIN  string
	simPoll PollConfig

	// atTimeout bounds ordinary commands.
	atTimeout time.Duration
	// callTimeout bounds ATD and ATA.
	callTimeout time.Duration
	// smsTimeout bounds AT+CMGS including the body.
	smsTimeout  time.Duration
	initTimeout time.Duration
	// maxRetries is the number of extra attempts after a timeout, for
	// idempotent commands only.
	maxRetries int

	queueDepth       int
	routerQueueDepth int
}

// Observer receives command and event statistics from the Loop.
type Observer interface {
	ObserveCommand(verb string, elapsed time.Duration, err error)
	ObserveEvent(kind EventKind)
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

func defaultConfig() Config {
	return Config{
		logger:           zap.NewNop(),
		atTimeout:        5 * time.Second,
		callTimeout:      20 * time.Second,
		smsTimeout:       60 * time.Second,
		initTimeout:      30 * time.Second,
		maxRetries:       2,
		queueDepth:       16,
		routerQueueDepth: 8,
	}
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	if c.atTimeout <= 0 || c.callTimeout <= 0 || c.smsTimeout <= 0 || c.initTimeout <= 0 {
		return errors.New("modem: timeouts must be positive")
	}
	if c.maxRetries < 0 {
		return errors.New("modem: max retries must not be negative")
	}
	if c.queueDepth < 1 || c.routerQueueDepth < 1 {
		return errors.New("modem: queue depths must be at least 1")
	}
	return nil
}

type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: defaultConfig()}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

func (b *ConfigBuilder) WithPowerCycler(p PowerCycler) *ConfigBuilder {
	b.config.power = p
	return b
}

func (b *ConfigBuilder) WithLogger(l *zap.Logger) *ConfigBuilder {
	if l != nil {
		b.config.logger = l
	}
	return b
}

func (b *ConfigBuilder) WithObserver(o Observer) *ConfigBuilder {
	b.config.observer = o
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.simPIN = pin
	return b
}

func (b *ConfigBuilder) WithSimPoll(p PollConfig) *ConfigBuilder {
	b.config.simPoll = p
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

func (b *ConfigBuilder) WithCallTimeout(d time.Duration) *ConfigBuilder {
	b.config.callTimeout = d
	return b
}

func (b *ConfigBuilder) WithSMSTimeout(d time.Duration) *ConfigBuilder {
	b.config.smsTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.initTimeout = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.maxRetries = n
	return b
}

func (b *ConfigBuilder) WithQueueDepth(n int) *ConfigBuilder {
	b.config.queueDepth = n
	return b
}

func (b *ConfigBuilder) WithRouterQueueDepth(n int) *ConfigBuilder {
	b.config.routerQueueDepth = n
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	return b.config, nil
}
