// Package alarm turns raw sensor samples into deduplicated alarm events.
package alarm

import (
	"errors"
	"fmt"
	"time"
)

// Channels is the number of sensor inputs.
const Channels = 3

// Samples are raw 12-bit readings, one per channel.
type Samples [Channels]int

// Vector holds the alarm state of each channel.
type Vector [Channels]bool

// Code is the compact encoding of a Vector: '1' for alarm and '0' for clear,
// channel 0 first. The same digits are used for SMS payloads and DTMF tones.
type Code [Channels]byte

var ErrInvalidCode = errors.New("invalid alarm code")

// Window is the inclusive range of readings classified as intrusion.
type Window struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

func (w Window) Contains(v int) bool {
	return w.Low <= v && v <= w.High
}

func (w Window) Classify(s Samples) Vector {
	var v Vector
	for i, sample := range s {
		v[i] = w.Contains(sample)
	}
	return v
}

func EncodeVector(v Vector) Code {
	var c Code
	for i, on := range v {
		if on {
			c[i] = '1'
		} else {
			c[i] = '0'
		}
	}
	return c
}

func (c Code) Vector() Vector {
	var v Vector
	for i, b := range c {
		v[i] = b == '1'
	}
	return v
}

func (c Code) String() string {
	return string(c[:])
}

// ParseCode accepts exactly three '0'/'1' digits.
func ParseCode(s string) (Code, error) {
	var c Code
	if len(s) != Channels {
		return c, fmt.Errorf("%w: %q", ErrInvalidCode, s)
	}
	for i := range Channels {
		if s[i] != '0' && s[i] != '1' {
			return c, fmt.Errorf("%w: %q", ErrInvalidCode, s)
		}
		c[i] = s[i]
	}
	return c, nil
}

// Event is a code that passed deduplication.
type Event struct {
	Code Code
	At   time.Time
}
