package modem

import (
	"context"
	"fmt"
	"strings"

	"i4.energy/across/alarmgw/at"
)

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string
	Time   string
	Text   string
}

// SendSMS sends a text message to the specified recipient.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+306900000001"). Command and body form a
// single request, so nothing else is written between the prompt and the
// body.
//
// This method blocks until the message is accepted by the network or an error
// occurs. A send is never repeated automatically.
func (m *Modem) SendSMS(ctx context.Context, recipient, message string) error {
	_, err := m.Execute(ctx, Command{
		Text:    at.SendSMS(recipient),
		Body:    message,
		Timeout: m.config.smsTimeout,
	})
	if err != nil {
		return fmt.Errorf("send SMS: %w", err)
	}
	return nil
}

// ReadSMS reads the message stored at index. ErrEmptySlot is returned for
// an empty slot.
func (m *Modem) ReadSMS(ctx context.Context, index int) (SMS, error) {
	lines, err := m.exec(ctx, at.ReadSMS(index))
	if err != nil {
		return SMS{}, fmt.Errorf("read SMS %d: %w", index, err)
	}

	for i, line := range lines {
		if !strings.HasPrefix(line, at.InfoReadSMS) {
			continue
		}
		status, sender, stamp, err := at.ParseSMSHeader(line)
		if err != nil {
			return SMS{}, fmt.Errorf("read SMS %d: %w", index, err)
		}
		return SMS{
			Index:  index,
			Status: status,
			Sender: sender,
			Time:   stamp,
			Text:   strings.Join(lines[i+1:], "\n"),
		}, nil
	}
	return SMS{}, fmt.Errorf("read SMS %d: %w", index, ErrEmptySlot)
}

// DeleteSMS removes the message stored at index.
func (m *Modem) DeleteSMS(ctx context.Context, index int) error {
	if _, err := m.exec(ctx, at.DeleteSMS(index)); err != nil {
		return fmt.Errorf("delete SMS %d: %w", index, err)
	}
	return nil
}
