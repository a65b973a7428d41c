package comms

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how alarm codes are delivered.
type Mode string

const (
	ModeSMS  Mode = "sms"
	ModeDTMF Mode = "dtmf"
)

// Config holds the delivery and inbound command settings.
type Config struct {
	Mode              Mode          `yaml:"mode"`
	Prefix            string        `yaml:"prefix"`
	Destination       string        `yaml:"destination"`
	PhonebookSlot     int           `yaml:"phonebook_slot"`
	AuthorizedCallers []string      `yaml:"authorized_callers"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	InboundTimeout    time.Duration `yaml:"inbound_timeout"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	// MaxAttempts abandons a session after this many attempts. Zero retries
	// until confirmed.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultConfig returns DTMF delivery with the "PPP" prefix, a 10s retry
// interval and no attempt limit.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeDTMF,
		Prefix:           "PPP",
		PhonebookSlot:    1,
		RetryInterval:    10 * time.Second,
		ConnectTimeout:   60 * time.Second,
		InboundTimeout:   30 * time.Second,
		OperationTimeout: 2 * time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModeSMS && c.Mode != ModeDTMF {
		errs = append(errs, fmt.Errorf("delivery mode must be %q or %q, got %q", ModeSMS, ModeDTMF, c.Mode))
	}
	if c.Prefix == "" {
		errs = append(errs, errors.New("delivery prefix is required"))
	}
	if c.Destination == "" && c.PhonebookSlot < 1 {
		errs = append(errs, errors.New("delivery destination or phonebook slot is required"))
	}
	if c.RetryInterval <= 0 || c.ConnectTimeout <= 0 || c.InboundTimeout <= 0 || c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("delivery intervals and timeouts must be positive"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("delivery max attempts must not be negative"))
	}
	return errors.Join(errs...)
}
