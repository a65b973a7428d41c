package comms

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warthog618/sms/encoding/ucs2"

	"i4.energy/across/alarmgw/at"
	"i4.energy/across/alarmgw/internal/alarm"
	"i4.energy/across/alarmgw/internal/relay"
)

const (
	// Confirmation is the DTMF tone that acknowledges a delivery.
	Confirmation = "#"
	commandSep   = ";"
	payloadSep   = "_"
)

var ErrMalformedCommand = errors.New("malformed command")

// ComposeSMS builds PREFIX_<code>_<YY/MM/DD,HH:MM:SS±ZZ>.
func ComposeSMS(prefix string, code alarm.Code, now time.Time) string {
	return prefix + payloadSep + code.String() + payloadSep + at.FormatGSMTime(now)
}

// ComposeDTMF returns the tones for code, one per channel.
func ComposeDTMF(code alarm.Code) string {
	return code.String()
}

// ParseCommand parses an inbound SMS body of the form PREFIX;ddd where each
// digit is 0 or 1.
func ParseCommand(prefix, body string) (relay.State, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(body), prefix+commandSep)
	if !ok {
		return relay.State{}, fmt.Errorf("%w: missing prefix", ErrMalformedCommand)
	}
	return ParseDigits(rest)
}

// ParseDigits maps three 0/1 digits onto the relay outputs.
func ParseDigits(digits string) (relay.State, error) {
	code, err := alarm.ParseCode(digits)
	if err != nil {
		return relay.State{}, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	return relay.State(code.Vector()), nil
}

// DecodeBody returns the text of an SMS body, decoding it first when the
// modem delivered it as UCS2 hex.
func DecodeBody(raw string) string {
	raw = strings.TrimSpace(raw)
	if !isLikelyHexUCS2(raw) {
		return raw
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return raw
	}
	runes, err := ucs2.Decode(b)
	if err != nil {
		return raw
	}
	return string(runes)
}

func isLikelyHexUCS2(s string) bool {
	if len(s) < 4 || len(s)%4 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
