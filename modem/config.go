package modem

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// DefaultTimeServer is the network time source the Neoway driver syncs from.
const DefaultTimeServer = "time.windows.com"

// SleepFunc pauses for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config is the immutable driver configuration. Drivers keep their own copy.
type Config struct {
	// Network and broker
	APN        string
	ClientID   string // base; a per-attempt counter is appended
	Username   string
	Password   string
	BrokerHost string
	BrokerPort int

	// Topic segments
	MainTopic   string
	CmdTopic    string
	StatusTopic string

	// TimeServer is used by drivers that sync time over NTP (Neoway).
	TimeServer string

	// Collaborators
	Channel      Channel
	ResetLine    Line
	PowerKeyLine Line
	Logger       *slog.Logger
	Sleep        SleepFunc
}

func (c *Config) validate() error {
	if c.Channel == nil {
		return ErrNoChannel
	}
	if c.BrokerHost == "" || c.BrokerPort <= 0 {
		return ErrNoBroker
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.TimeServer == "" {
		c.TimeServer = DefaultTimeServer
	}
	if c.ResetLine == nil {
		c.ResetLine = noLine{}
	}
	if c.PowerKeyLine == nil {
		c.PowerKeyLine = noLine{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
}

// SubscribeTopic is the filter subscribed to for commands: {main}/{cmd}/#.
func (c Config) SubscribeTopic() string {
	return c.MainTopic + "/" + c.CmdTopic + "/#"
}

// PublishTopic is where status reports go: {main}/{status}.
func (c Config) PublishTopic() string {
	return c.TopicFor(c.StatusTopic)
}

// TopicFor returns {main}/{suffix}.
func (c Config) TopicFor(suffix string) string {
	return c.MainTopic + "/" + suffix
}

// BrokerAddress is host:port as the Neoway dialect expects it.
func (c Config) BrokerAddress() string {
	return c.BrokerHost + ":" + strconv.Itoa(c.BrokerPort)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithAPN(apn string) *ConfigBuilder {
	b.config.APN = apn
	return b
}

func (b *ConfigBuilder) WithBroker(host string, port int) *ConfigBuilder {
	b.config.BrokerHost = host
	b.config.BrokerPort = port
	return b
}

func (b *ConfigBuilder) WithCredentials(clientID, username, password string) *ConfigBuilder {
	b.config.ClientID = clientID
	b.config.Username = username
	b.config.Password = password
	return b
}

func (b *ConfigBuilder) WithTopics(main, cmd, status string) *ConfigBuilder {
	b.config.MainTopic = main
	b.config.CmdTopic = cmd
	b.config.StatusTopic = status
	return b
}

func (b *ConfigBuilder) WithTimeServer(host string) *ConfigBuilder {
	b.config.TimeServer = host
	return b
}

func (b *ConfigBuilder) WithChannel(ch Channel) *ConfigBuilder {
	b.config.Channel = ch
	return b
}

func (b *ConfigBuilder) WithResetLine(l Line) *ConfigBuilder {
	b.config.ResetLine = l
	return b
}

func (b *ConfigBuilder) WithPowerKeyLine(l Line) *ConfigBuilder {
	b.config.PowerKeyLine = l
	return b
}

func (b *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	b.config.Logger = logger
	return b
}

func (b *ConfigBuilder) WithSleep(sleep SleepFunc) *ConfigBuilder {
	b.config.Sleep = sleep
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
