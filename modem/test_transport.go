package modem

import (
	"io"
	"strings"
	"sync"

	"i4.energy/across/alarmgw/at"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the Loop's reader goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	writes   []string

	// Reply, when set, is consulted on every write. A non-empty answer is
	// queued for reading as if the modem had sent it.
	Reply func(written string) string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 64),
	}
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	written := string(p)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.writes = append(t.writes, written)
	t.mu.Unlock()

	if t.Reply != nil {
		if reply := t.Reply(written); reply != "" {
			t.SendData(reply)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Writes returns everything written so far, one entry per Write call.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// Count returns how many writes equal s.
func (t *TestTransport) Count(s string) int {
	n := 0
	for _, w := range t.Writes() {
		if w == s {
			n++
		}
	}
	return n
}

// InitReply answers the initialization sequence of a modem with a ready
// SIM. It reports false for any other command.
func InitReply(written string) (string, bool) {
	switch strings.TrimSuffix(written, at.CR) {
	case at.CmdSimStatus:
		return "\r\n+CPIN: READY\r\n\r\nOK\r\n", true
	case at.CmdAt, at.CmdEchoOff, at.CmdVerboseErrors, at.CmdSetTextMode,
		at.CmdCallerID, at.CmdNewMsgIndex, at.CmdLocalTime, at.CmdMoRing,
		at.CmdDTMFDetect:
		return "\r\nOK\r\n", true
	}
	return "", false
}
