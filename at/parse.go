package at

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned when a response or URC line does not have
	// the expected shape.
	ErrMalformed = errors.New("malformed line")
)

// Quoted returns the n-th double-quoted field of line (0 based).
func Quoted(line string, n int) (string, bool) {
	for i := 0; ; i++ {
		start := strings.IndexByte(line, '"')
		if start < 0 {
			return "", false
		}
		rest := line[start+1:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return "", false
		}
		if i == n {
			return rest[:end], true
		}
		line = rest[end+1:]
	}
}

// ParseCallerID extracts the number from a caller-id notification:
//
//	+CLIP: "+3069xxxxxxx",145,"",0,"",0
func ParseCallerID(line string) (string, error) {
	if !strings.HasPrefix(line, UrcCallerID) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	number, ok := Quoted(line, 0)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	return number, nil
}

// ParseNewMessage extracts the storage index from a new-SMS notification:
//
//	+CMTI: "SM",3
func ParseNewMessage(line string) (int, error) {
	if !strings.HasPrefix(line, UrcNewMsg) {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	comma := strings.LastIndexByte(line, ',')
	if comma < 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	index, err := strconv.Atoi(strings.TrimSpace(line[comma+1:]))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	return index, nil
}

// ParseDTMF extracts the detected tone(s) from a DTMF notification:
//
//	+DTMF: 5
func ParseDTMF(line string) (string, error) {
	if !strings.HasPrefix(line, UrcDTMF) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	digits := strings.TrimSpace(strings.TrimPrefix(line, UrcDTMF))
	digits = strings.Trim(digits, `"`)
	if digits == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	return digits, nil
}

// ParsePhonebookEntry extracts the number of a phonebook entry:
//
//	+CPBR: 1,"+3069xxxxxxx",145,"Owner"
func ParsePhonebookEntry(line string) (number, name string, err error) {
	if !strings.HasPrefix(line, InfoPhonebook) {
		return "", "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	number, ok := Quoted(line, 0)
	if !ok || number == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	name, _ = Quoted(line, 1)
	return number, name, nil
}

// ParseSMSHeader parses the header line of a read message:
//
//	+CMGR: "REC UNREAD","+3069xxxxxxx","","24/01/31,12:00:00+08"
func ParseSMSHeader(line string) (status, sender, stamp string, err error) {
	if !strings.HasPrefix(line, InfoReadSMS) {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	status, ok := Quoted(line, 0)
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	sender, _ = Quoted(line, 1)
	stamp, _ = Quoted(line, 3)
	return status, sender, stamp, nil
}

// ParseClock parses the response of AT+CCLK?, which reports local time
// with the zone offset in quarter hours:
//
//	+CCLK: "24/01/31,12:00:00+08"
func ParseClock(line string) (time.Time, error) {
	if !strings.HasPrefix(line, InfoClock) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	return ParseGSMTime(strings.TrimPrefix(line, InfoClock), false)
}

// ParseNetworkTime parses the network time notification, which reports
// universal time followed by the local zone offset:
//
//	*PSUTTZ: 2024,1,31,10,0,0,"+08",0
func ParseNetworkTime(line string) (time.Time, error) {
	if !strings.HasPrefix(line, UrcNetworkTime) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	return ParseGSMTime(strings.TrimPrefix(line, UrcNetworkTime), true)
}

// ParseGSMTime reads six date/time fields followed by an optional signed
// zone offset in quarter hours. Any non-digit acts as a separator and the
// year may have two or four digits. When utc is set the fields are taken
// as universal time and the result is expressed in the reported zone.
func ParseGSMTime(s string, utc bool) (time.Time, error) {
	type group struct {
		value int
		neg   bool
	}
	var groups []group
	for i := 0; i < len(s); {
		if s[i] < '0' || s[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		v, err := strconv.Atoi(s[i:j])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		groups = append(groups, group{value: v, neg: i > 0 && s[i-1] == '-'})
		i = j
	}
	if len(groups) < 6 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	year := groups[0].value % 100
	month, day := groups[1].value, groups[2].value
	hour, minute, second := groups[3].value, groups[4].value, groups[5].value
	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	offset := 0
	if len(groups) > 6 {
		offset = groups[6].value * 15 * 60
		if groups[6].neg {
			offset = -offset
		}
	}
	zone := time.FixedZone("", offset)

	if utc {
		t := time.Date(2000+year, time.Month(month), day, hour, minute, second, 0, time.UTC)
		return t.In(zone), nil
	}
	return time.Date(2000+year, time.Month(month), day, hour, minute, second, 0, zone), nil
}

// FormatGSMTime renders t the way the modem reports time,
// YY/MM/DD,HH:MM:SS±ZZ with the offset in quarter hours.
func FormatGSMTime(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s%c%02d", t.Format("06/01/02,15:04:05"), sign, offset/(15*60))
}
