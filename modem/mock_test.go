package modem_test

import (
	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/alarmgw/at"
	"i4.energy/across/alarmgw/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// expect adds a write of cmd followed by a read returning resp.
func (b *MockSequenceBuilder) expect(cmd, resp string) *MockSequenceBuilder {
	wire := cmd + at.CR
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(wire)).Return(len(wire), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.expect(at.CmdAt, "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.expect(at.CmdEchoOff, "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.expect(at.CmdVerboseErrors, "OK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.expect(at.CmdSimStatus, "+CPIN: SIM PIN\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EnterPIN(pin string) *MockSequenceBuilder {
	return b.expect(at.EnterPIN(pin), "OK\r\n")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.expect(at.CmdSimStatus, "+CPIN: READY\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SMSTextMode() *MockSequenceBuilder {
	return b.expect(at.CmdSetTextMode, "OK\r\n")
}

func (b *MockSequenceBuilder) CallerID() *MockSequenceBuilder {
	return b.expect(at.CmdCallerID, "OK\r\n")
}

func (b *MockSequenceBuilder) NewMessageIndications() *MockSequenceBuilder {
	return b.expect(at.CmdNewMsgIndex, "OK\r\n")
}

func (b *MockSequenceBuilder) NetworkTimeUpdates() *MockSequenceBuilder {
	return b.expect(at.CmdLocalTime, "OK\r\n")
}

func (b *MockSequenceBuilder) CallProgress() *MockSequenceBuilder {
	return b.expect(at.CmdMoRing, "OK\r\n")
}

func (b *MockSequenceBuilder) DTMFDetection() *MockSequenceBuilder {
	return b.expect(at.CmdDTMFDetect, "OK\r\n")
}

// Notifications completes the sequence after the SIM is ready.
func (b *MockSequenceBuilder) Notifications() *MockSequenceBuilder {
	return b.SMSTextMode().
		CallerID().
		NewMessageIndications().
		NetworkTimeUpdates().
		CallProgress().
		DTMFDetection()
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls returns the expectations of a successful initialization.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).
		AT().
		EchoOff().
		VerboseErrors().
		SimReady().
		Notifications().
		Build()
}
