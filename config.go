package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"i4.energy/across/cellmqtt/modem"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the status API listens on (e.g. "0.0.0.0:8080").
	// Empty disables the API.
	BindAddress string `yaml:"bind_address"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`

	// Variant selects the modem family ("neoway" or "quectel")
	Variant string `yaml:"variant"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyS0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate overrides the variant's default line speed when non-zero
	BaudRate int `yaml:"baud_rate"`
	// ResetGPIO and PowerKeyGPIO name the control lines (e.g. "GPIO17").
	// Empty means the line is not wired.
	ResetGPIO    string `yaml:"reset_gpio"`
	PowerKeyGPIO string `yaml:"power_key_gpio"`

	APN         string `yaml:"apn"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MQTTHost    string `yaml:"mqtt_host"`
	MQTTPort    int    `yaml:"mqtt_port"`
	MainTopic   string `yaml:"main_topic"`
	CmdTopic    string `yaml:"cmd_topic"`
	StatusTopic string `yaml:"status_topic"`
	TimeServer  string `yaml:"time_server"`

	// PollInterval is the pause between two supervision rounds
	PollInterval time.Duration `yaml:"poll_interval"`
	// PowerOffOnExit shuts the module down when the daemon stops
	PowerOffOnExit bool `yaml:"power_off_on_exit"`

	// MirrorBroker is a local broker URL (e.g. "tcp://localhost:1883").
	// Empty disables the mirror.
	MirrorBroker string `yaml:"mirror_broker"`
	MirrorPrefix string `yaml:"mirror_prefix"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.LogLevel = "info"
		c.Variant = string(modem.VariantQuectel)
		c.SerialPort = "/dev/ttyUSB0"
		c.ClientID = "cellmqtt-" + uuid.NewString()[:8]
		c.MQTTPort = 1883
		c.MainTopic = "cellmqtt"
		c.CmdTopic = "cmd"
		c.StatusTopic = "status"
		c.TimeServer = modem.DefaultTimeServer
		c.PollInterval = 10 * time.Second
		c.MirrorPrefix = "cellmqtt"
		return nil
	}
}

// WithFile overlays values from a YAML file. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		for name, dst := range c.stringSettings("env") {
			if v := os.Getenv(name); v != "" {
				*dst = v
			}
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if port := os.Getenv("MQTT_PORT"); port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				c.MQTTPort = p
			}
		}

		if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
			if d, err := time.ParseDuration(interval); err == nil {
				c.PollInterval = d
			}
		}

		if off := os.Getenv("POWER_OFF_ON_EXIT"); off != "" {
			if b, err := strconv.ParseBool(off); err == nil {
				c.PowerOffOnExit = b
			}
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		settings := c.stringSettings("flag")
		fSet.Visit(func(f *flag.Flag) {
			if dst, ok := settings[f.Name]; ok {
				*dst = f.Value.String()
				return
			}
			switch f.Name {
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "mqtt-port":
				if p, err := strconv.Atoi(f.Value.String()); err == nil {
					c.MQTTPort = p
				}
			case "poll-interval":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.PollInterval = d
				}
			case "power-off-on-exit":
				if b, err := strconv.ParseBool(f.Value.String()); err == nil {
					c.PowerOffOnExit = b
				}
			}
		})
		return nil
	}
}

// stringSettings maps environment variable or flag names to the string
// fields they set.
func (c *Config) stringSettings(kind string) map[string]*string {
	fields := []struct {
		env, flag string
		dst       *string
	}{
		{"BIND_ADDRESS", "bind-address", &c.BindAddress},
		{"LOG_LEVEL", "log-level", &c.LogLevel},
		{"MODEM_VARIANT", "variant", &c.Variant},
		{"SERIAL_PORT", "serial-port", &c.SerialPort},
		{"RESET_GPIO", "reset-gpio", &c.ResetGPIO},
		{"POWER_KEY_GPIO", "power-key-gpio", &c.PowerKeyGPIO},
		{"APN", "apn", &c.APN},
		{"MQTT_CLIENT_ID", "client-id", &c.ClientID},
		{"MQTT_USERNAME", "mqtt-username", &c.Username},
		{"MQTT_PASSWORD", "mqtt-password", &c.Password},
		{"MQTT_HOST", "mqtt-host", &c.MQTTHost},
		{"MQTT_MAIN_TOPIC", "main-topic", &c.MainTopic},
		{"MQTT_CMD_TOPIC", "cmd-topic", &c.CmdTopic},
		{"MQTT_STATUS_TOPIC", "status-topic", &c.StatusTopic},
		{"TIME_SERVER", "time-server", &c.TimeServer},
		{"MIRROR_BROKER", "mirror-broker", &c.MirrorBroker},
		{"MIRROR_PREFIX", "mirror-prefix", &c.MirrorPrefix},
	}

	settings := make(map[string]*string, len(fields))
	for _, f := range fields {
		if kind == "env" {
			settings[f.env] = f.dst
		} else {
			settings[f.flag] = f.dst
		}
	}
	return settings
}

// Validate checks that the configuration can drive a modem.
func (c *Config) Validate() error {
	var errs []error
	switch modem.Variant(c.Variant) {
	case modem.VariantNeoway, modem.VariantQuectel:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", modem.ErrUnknownVariant, c.Variant))
	}
	if c.SerialPort == "" {
		errs = append(errs, errors.New("serial port is required"))
	}
	if c.MQTTHost == "" {
		errs = append(errs, errors.New("mqtt host is required"))
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		errs = append(errs, fmt.Errorf("mqtt port %d out of range", c.MQTTPort))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	return errors.Join(errs...)
}

// Baud is the configured line speed, or the variant's default.
func (c *Config) Baud() int {
	if c.BaudRate > 0 {
		return c.BaudRate
	}
	if modem.Variant(c.Variant) == modem.VariantNeoway {
		return modem.NeowayBaudRate
	}
	return modem.QuectelBaudRate
}
