package modem

import (
	"context"
	"fmt"

	"i4.energy/across/alarmgw/at"
)

// dialFailures are the call progress results a modem may give in place of
// OK to a dial request.
var dialFailures = []string{at.Busy, at.NoDialtone, at.NoCarrier, at.NoAnswer}

// Dial places a voice call. It returns once the modem accepted the dial
// request; a CallConnected or CallEnded event follows. A dial answered with
// BUSY, NO DIALTONE, NO CARRIER or NO ANSWER fails with ErrRejected, and
// the line is also delivered as CallEnded.
func (m *Modem) Dial(ctx context.Context, number string) error {
	_, err := m.Execute(ctx, Command{
		Text:     at.Dial(number),
		Failures: dialFailures,
		Timeout:  m.config.callTimeout,
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	return nil
}

// Answer picks up a ringing call.
func (m *Modem) Answer(ctx context.Context) error {
	_, err := m.Execute(ctx, Command{
		Text:    at.CmdAnswer,
		Timeout: m.config.callTimeout,
	})
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	return nil
}

// Hangup ends the current call. Hanging up with no call is harmless, so
// the command is retried on timeout.
func (m *Modem) Hangup(ctx context.Context) error {
	if _, err := m.exec(ctx, at.CmdHangup); err != nil {
		return fmt.Errorf("hang up: %w", err)
	}
	return nil
}

// SendDTMF plays digits as tones on the connected call.
func (m *Modem) SendDTMF(ctx context.Context, digits string) error {
	_, err := m.Execute(ctx, Command{Text: at.DTMF(digits)})
	if err != nil {
		return fmt.Errorf("send tones: %w", err)
	}
	return nil
}

// EnableDTMFDetection turns on +DTMF notifications. It is part of the
// initialization sequence and exposed for callers that reset the modem
// configuration themselves.
func (m *Modem) EnableDTMFDetection(ctx context.Context) error {
	if _, err := m.exec(ctx, at.CmdDTMFDetect); err != nil {
		return fmt.Errorf("enable DTMF detection: %w", err)
	}
	return nil
}
