package modem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"i4.energy/across/alarmgw/at"
)

// ReadPhonebook returns the number stored in the given SIM phonebook slot.
func (m *Modem) ReadPhonebook(ctx context.Context, index int) (string, error) {
	lines, err := m.exec(ctx, at.ReadPhonebook(index))
	if err != nil {
		return "", fmt.Errorf("read phonebook %d: %w", index, err)
	}
	for _, line := range lines {
		if number, _, err := at.ParsePhonebookEntry(line); err == nil {
			return number, nil
		}
	}
	return "", fmt.Errorf("read phonebook %d: %w", index, ErrEmptySlot)
}

// NetworkTime queries the modem clock, which the network keeps in sync
// once AT+CLTS=1 is active.
func (m *Modem) NetworkTime(ctx context.Context) (time.Time, error) {
	lines, err := m.exec(ctx, at.CmdClock)
	if err != nil {
		return time.Time{}, fmt.Errorf("query clock: %w", err)
	}
	for _, line := range lines {
		if strings.HasPrefix(line, at.InfoClock) {
			return at.ParseClock(line)
		}
	}
	return time.Time{}, fmt.Errorf("query clock: %w", at.ErrMalformed)
}
