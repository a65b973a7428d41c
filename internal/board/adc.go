package board

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"periph.io/x/conn/v3/analog"

	"i4.energy/across/alarmgw/internal/alarm"
)

// maxRaw is the full scale of the 12-bit converter.
const maxRaw = 4095

// ADCChannel is satisfied by analog.PinADC.
type ADCChannel interface {
	Read() (analog.Sample, error)
}

// ADCSampler reads one channel per alarm input.
type ADCSampler struct {
	channels [alarm.Channels]ADCChannel
}

func NewADCSampler(channels []ADCChannel) (*ADCSampler, error) {
	if len(channels) != alarm.Channels {
		return nil, fmt.Errorf("expected %d adc channels, got %d", alarm.Channels, len(channels))
	}
	s := &ADCSampler{}
	copy(s.channels[:], channels)
	return s, nil
}

func (s *ADCSampler) Sample(ctx context.Context) (alarm.Samples, error) {
	var out alarm.Samples
	for i, ch := range s.channels {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		v, err := ch.Read()
		if err != nil {
			return out, fmt.Errorf("read adc channel %d: %w", i, err)
		}
		if v.Raw < 0 || v.Raw > maxRaw {
			return out, fmt.Errorf("adc channel %d out of range: %d", i, v.Raw)
		}
		out[i] = int(v.Raw)
	}
	return out, nil
}

// IIOChannel reads a Linux industrial I/O raw value file such as
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
type IIOChannel struct {
	Path string
}

func (c IIOChannel) Read() (analog.Sample, error) {
	b, err := os.ReadFile(c.Path)
	if err != nil {
		return analog.Sample{}, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return analog.Sample{}, fmt.Errorf("parse %s: %w", c.Path, err)
	}
	return analog.Sample{Raw: int32(v)}, nil
}
