package comms_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"i4.energy/across/alarmgw/internal/relay"
	"i4.energy/across/alarmgw/modem"
)

// fakeModem reports every call on calls and answers from its fields.
type fakeModem struct {
	mu       sync.Mutex
	subs     map[modem.EventKind]chan modem.Event
	calls    chan string
	errs     map[string][]error
	messages map[int]modem.SMS
	book     string
	now      time.Time
}

func newFakeModem() *fakeModem {
	m := &fakeModem{
		subs:     make(map[modem.EventKind]chan modem.Event),
		calls:    make(chan string, 64),
		errs:     make(map[string][]error),
		messages: make(map[int]modem.SMS),
		book:     "+306900000009",
		now:      time.Date(2024, 1, 31, 12, 0, 0, 0, time.FixedZone("", 2*3600)),
	}
	for _, kind := range modem.EventKinds {
		m.subs[kind] = make(chan modem.Event, 8)
	}
	return m
}

// failNext makes the next call of op return err.
func (m *fakeModem) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = append(m.errs[op], err)
}

func (m *fakeModem) record(op, arg string) error {
	m.calls <- op + " " + arg
	m.mu.Lock()
	defer m.mu.Unlock()
	if errs := m.errs[op]; len(errs) > 0 {
		m.errs[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *fakeModem) push(ev modem.Event) {
	m.subs[ev.Kind] <- ev
}

func (m *fakeModem) Subscribe(kind modem.EventKind) (<-chan modem.Event, error) {
	return m.subs[kind], nil
}

func (m *fakeModem) Dial(_ context.Context, number string) error {
	return m.record("dial", number)
}

func (m *fakeModem) Answer(context.Context) error {
	return m.record("answer", "")
}

func (m *fakeModem) Hangup(context.Context) error {
	return m.record("hangup", "")
}

func (m *fakeModem) SendDTMF(_ context.Context, digits string) error {
	return m.record("dtmf", digits)
}

func (m *fakeModem) SendSMS(_ context.Context, recipient, message string) error {
	return m.record("sms", recipient+" "+message)
}

func (m *fakeModem) ReadSMS(_ context.Context, index int) (modem.SMS, error) {
	if err := m.record("read", fmt.Sprint(index)); err != nil {
		return modem.SMS{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[index]
	if !ok {
		return modem.SMS{}, modem.ErrEmptySlot
	}
	return msg, nil
}

func (m *fakeModem) DeleteSMS(_ context.Context, index int) error {
	return m.record("delete", fmt.Sprint(index))
}

func (m *fakeModem) ReadPhonebook(_ context.Context, index int) (string, error) {
	if err := m.record("phonebook", fmt.Sprint(index)); err != nil {
		return "", err
	}
	return m.book, nil
}

func (m *fakeModem) NetworkTime(context.Context) (time.Time, error) {
	if err := m.record("clock", ""); err != nil {
		return time.Time{}, err
	}
	return m.now, nil
}

func (m *fakeModem) Reinitialize(context.Context) error {
	return m.record("reinit", "")
}

// expect waits for the next modem call and checks it.
func (m *fakeModem) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-m.calls:
		if got != want {
			t.Fatalf("expected modem call %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for modem call %q", want)
	}
}

// quiet checks that no modem call happens for a short while.
func (m *fakeModem) quiet(t *testing.T) {
	t.Helper()
	select {
	case got := <-m.calls:
		t.Fatalf("unexpected modem call %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeRelays struct {
	requests chan relay.State
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{requests: make(chan relay.State, 8)}
}

func (r *fakeRelays) Request(_ context.Context, s relay.State) error {
	r.requests <- s
	return nil
}
