package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"i4.energy/across/alarmgw/internal/alarm"
	"i4.energy/across/alarmgw/internal/comms"
	"i4.energy/across/alarmgw/internal/relay"
	"i4.energy/across/alarmgw/internal/telemetry"
)

// Config holds the application configuration
type Config struct {
	Log      LogConfig            `yaml:"log"`
	HTTP     HTTPConfig           `yaml:"http"`
	Serial   SerialConfig         `yaml:"serial"`
	Modem    ModemConfig          `yaml:"modem"`
	Board    BoardConfig          `yaml:"board"`
	Alarm    alarm.Config         `yaml:"alarm"`
	Delivery comms.Config         `yaml:"delivery"`
	Relay    relay.Config         `yaml:"relay"`
	Journal  JournalConfig        `yaml:"journal"`
	MQTT     telemetry.MQTTConfig `yaml:"mqtt"`
}

type LogConfig struct {
	// Level sets the logging level (e.g. "debug", "info", "warn", "error")
	Level string `yaml:"level"`
	// Format is "json" or "console"
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	// BindAddress is the address the status server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
}

type SerialConfig struct {
	// Port is the path to the modem's serial port (e.g. "/dev/ttyS0")
	Port string `yaml:"port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
}

type ModemConfig struct {
	// SimPIN is the SIM card PIN code
	SimPIN      string        `yaml:"sim_pin"`
	ATTimeout   time.Duration `yaml:"at_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	SMSTimeout  time.Duration `yaml:"sms_timeout"`
	InitTimeout time.Duration `yaml:"init_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

type BoardConfig struct {
	// Simulated replaces the GPIO relays and the ADC with in-process
	// stand-ins, for bench work against cmd/modemsim.
	Simulated bool `yaml:"simulated"`
	// RelayPins names one GPIO per relay output, e.g. "GPIO17".
	RelayPins []string `yaml:"relay_pins"`
	ActiveLow bool     `yaml:"active_low"`
	// PowerKeyPin drives the modem PWRKEY line. Empty disables power cycling.
	PowerKeyPin string        `yaml:"power_key_pin"`
	PowerPulse  time.Duration `yaml:"power_pulse"`
	PowerSettle time.Duration `yaml:"power_settle"`
	// ADCPaths are the sysfs raw value files of the three sensor channels.
	ADCPaths []string `yaml:"adc_paths"`
}

type JournalConfig struct {
	// Path of the SQLite database. Empty disables the journal.
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
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

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.Log = LogConfig{Level: "info", Format: "json"}
		c.HTTP.BindAddress = "0.0.0.0:8080"
		c.Serial = SerialConfig{Port: "/dev/ttyS0", BaudRate: 115200}
		c.Modem = ModemConfig{
			ATTimeout:   5 * time.Second,
			CallTimeout: 20 * time.Second,
			SMSTimeout:  60 * time.Second,
			InitTimeout: 30 * time.Second,
			MaxRetries:  2,
		}
		c.Board = BoardConfig{
			PowerPulse:  time.Second,
			PowerSettle: 6 * time.Second,
		}
		c.Alarm = alarm.DefaultConfig()
		c.Delivery = comms.DefaultConfig()
		c.Relay = relay.DefaultConfig()
		c.Journal = JournalConfig{Path: "/var/lib/alarmgw/journal.db", Retention: 30 * 24 * time.Hour}
		c.MQTT = telemetry.MQTTConfig{ClientID: "alarmgw", Topic: "alarmgw/events", Timeout: 5 * time.Second}
		return nil
	}
}

// WithFile overlays the YAML file at path. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.HTTP.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.Serial.Port = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			b, err := strconv.Atoi(baud)
			if err != nil {
				return fmt.Errorf("invalid BAUD_RATE %q: %w", baud, err)
			}
			c.Serial.BaudRate = b
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.Log.Level = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.Modem.SimPIN = simPIN
		}

		if mode := os.Getenv("DELIVERY_MODE"); mode != "" {
			c.Delivery.Mode = comms.Mode(mode)
		}

		if dest := os.Getenv("DESTINATION"); dest != "" {
			c.Delivery.Destination = dest
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTT.Broker = broker
		}

		return nil
	}
}

// Options are the command-line flags. Unset flags leave the configuration
// untouched.
type Options struct {
	ConfigFile  string `short:"c" long:"config" description:"Path to the YAML configuration file"`
	SerialPort  string `long:"serial-port" description:"Serial port to connect to the modem"`
	BaudRate    int    `long:"baud-rate" description:"Baud rate for serial communication"`
	BindAddress string `long:"bind-address" description:"Bind address for the HTTP server"`
	LogLevel    string `long:"log-level" description:"Log level (debug, info, warn, error)"`
	LogFormat   string `long:"log-format" choice:"json" choice:"console" description:"Log output format"`
	SimPIN      string `long:"sim-pin" description:"SIM card PIN code (if required)"`
	Mode        string `long:"mode" choice:"sms" choice:"dtmf" description:"Alarm delivery mode"`
	Destination string `long:"destination" description:"Alarm destination number, overrides the phonebook"`
	Simulated   bool   `long:"simulated-board" description:"Run without GPIO and ADC hardware"`
}

// WithFlags loads configuration from command-line flags
func WithFlags(opts *Options) ConfigOption {
	return func(c *Config) error {
		if opts == nil {
			return nil
		}
		if opts.SerialPort != "" {
			c.Serial.Port = opts.SerialPort
		}
		if opts.BaudRate != 0 {
			c.Serial.BaudRate = opts.BaudRate
		}
		if opts.BindAddress != "" {
			c.HTTP.BindAddress = opts.BindAddress
		}
		if opts.LogLevel != "" {
			c.Log.Level = opts.LogLevel
		}
		if opts.LogFormat != "" {
			c.Log.Format = opts.LogFormat
		}
		if opts.SimPIN != "" {
			c.Modem.SimPIN = opts.SimPIN
		}
		if opts.Mode != "" {
			c.Delivery.Mode = comms.Mode(opts.Mode)
		}
		if opts.Destination != "" {
			c.Delivery.Destination = opts.Destination
		}
		if opts.Simulated {
			c.Board.Simulated = true
		}
		return nil
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.Serial.Port == "" {
		errs = append(errs, errors.New("serial port is required"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, errors.New("baud rate must be positive"))
	}
	if c.Modem.MaxRetries < 0 {
		errs = append(errs, errors.New("modem max retries must not be negative"))
	}
	if !c.Board.Simulated {
		if len(c.Board.RelayPins) != relay.Outputs {
			errs = append(errs, fmt.Errorf("board needs %d relay pins, got %d", relay.Outputs, len(c.Board.RelayPins)))
		}
		if len(c.Board.ADCPaths) != alarm.Channels {
			errs = append(errs, fmt.Errorf("board needs %d adc paths, got %d", alarm.Channels, len(c.Board.ADCPaths)))
		}
	}
	if c.Journal.Path != "" && c.Journal.Retention <= 0 {
		errs = append(errs, errors.New("journal retention must be positive"))
	}
	errs = append(errs, c.Alarm.Validate(), c.Delivery.Validate(), c.Relay.Validate())
	return errors.Join(errs...)
}
