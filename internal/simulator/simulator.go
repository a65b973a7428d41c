// Package simulator is a scripted SIM800-style modem peer. It answers the
// AT commands the gateway issues and lets a test or a bench operator inject
// unsolicited notifications.
package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"i4.energy/across/alarmgw/at"
)

const maxCommandLength = 512

// Message is an SMS held in the simulated SIM storage.
type Message struct {
	Status string
	Sender string
	Time   string
	Text   string
}

// Sent is an SMS submitted with AT+CMGS.
type Sent struct {
	To   string
	Text string
}

// DialFunc decides how an outgoing call progresses. The returned lines are
// sent as notifications after the dial is accepted, e.g. "MO CONNECTED" or
// "BUSY". No lines leave the call ringing.
type DialFunc func(number string) []string

// ToneFunc is called for every AT+VTS with the tones played. The returned
// lines are sent as notifications afterwards, e.g. "+DTMF: #".
type ToneFunc func(digits string) []string

type Option func(*Simulator)

func WithClock(c clockwork.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// WithPIN locks the SIM until AT+CPIN with pin is received.
func WithPIN(pin string) Option {
	return func(s *Simulator) { s.pin = pin }
}

func WithPhonebook(book map[int]string) Option {
	return func(s *Simulator) {
		for k, v := range book {
			s.book[k] = v
		}
	}
}

func WithDial(f DialFunc) Option {
	return func(s *Simulator) { s.dial = f }
}

func WithTones(f ToneFunc) Option {
	return func(s *Simulator) { s.tones = f }
}

// WithSilence makes the simulator swallow commands starting with prefix, so
// that the gateway sees a timeout.
func WithSilence(prefix string) Option {
	return func(s *Simulator) { s.silent = append(s.silent, prefix) }
}

// Simulator answers AT commands on conn. Serve must be running for any
// command to be answered.
type Simulator struct {
	conn   io.ReadWriteCloser
	clock  clockwork.Clock
	logger *zap.Logger
	dial   DialFunc
	tones  ToneFunc
	silent []string

	// out decouples replies from reads so that a peer blocked on a write
	// never stalls the simulator.
	out  chan string
	done chan struct{}

	mu       sync.Mutex
	echo     bool
	pin      string
	unlocked bool
	inCall   bool
	book     map[int]string
	messages map[int]Message
	sent     []Sent
	played   []string
	commands []string
	nextRef  int
}

func New(conn io.ReadWriteCloser, opts ...Option) *Simulator {
	s := &Simulator{
		conn:     conn,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		dial:     func(string) []string { return []string{at.UrcMoConnected} },
		echo:     true,
		book:     map[int]string{},
		messages: map[int]Message{},
		out:      make(chan string, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unlocked = s.pin == ""
	return s
}

// ErrClosed is returned by Inject once Serve has returned.
var ErrClosed = errors.New("simulator: closed")

// Serve reads commands until ctx is cancelled or the connection fails.
// Cancelling ctx closes the connection. Serve must be called once.
func (s *Simulator) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	defer close(s.done)
	go s.drain()

	var (
		line    bytes.Buffer
		body    bytes.Buffer
		pending string
	)
	buf := make([]byte, 256)
	for {
		n, err := s.conn.Read(buf)
		for _, b := range buf[:n] {
			if pending != "" {
				switch b {
				case 0x1a:
					s.submit(pending, body.String())
					pending = ""
					body.Reset()
				case 0x1b:
					s.reply(at.OK)
					pending = ""
					body.Reset()
				default:
					body.WriteByte(b)
				}
				continue
			}

			switch b {
			case '\n':
			case '\r':
				cmd := line.String()
				line.Reset()
				if s.echoing() {
					s.write(cmd + at.CR)
				}
				if cmd == "" {
					continue
				}
				if recipient, ok := s.handle(cmd); ok {
					pending = recipient
				}
			default:
				if line.Len() < maxCommandLength {
					line.WriteByte(b)
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Inject sends an unsolicited line such as "RING" or "+CMTI: \"SM\",3".
func (s *Simulator) Inject(lines ...string) error {
	for _, l := range lines {
		if err := s.write(at.CRLF + l + at.CRLF); err != nil {
			return err
		}
	}
	return nil
}

// Deliver stores msg and announces it with +CMTI. It returns the index.
func (s *Simulator) Deliver(msg Message) (int, error) {
	if msg.Status == "" {
		msg.Status = "REC UNREAD"
	}
	if msg.Time == "" {
		msg.Time = at.FormatGSMTime(s.clock.Now())
	}
	s.mu.Lock()
	index := 1
	for {
		if _, used := s.messages[index]; !used {
			break
		}
		index++
	}
	s.messages[index] = msg
	s.mu.Unlock()

	return index, s.Inject(fmt.Sprintf(`%s "SM",%d`, at.UrcNewMsg, index))
}

// Ring announces an incoming call from number.
func (s *Simulator) Ring(number string) error {
	return s.Inject(at.UrcCall, fmt.Sprintf(`%s "%s",145,"",0,"",0`, at.UrcCallerID, number))
}

// Sent returns the messages submitted so far.
func (s *Simulator) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Tones returns the DTMF strings played so far.
func (s *Simulator) Tones() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

// Commands returns every command line received.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Stored returns the indices of the messages still in storage.
func (s *Simulator) Stored() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.messages))
	for i := range s.messages {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// InCall reports whether a call is up.
func (s *Simulator) InCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCall
}

func (s *Simulator) echoing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.echo
}

// handle answers one command line. For AT+CMGS it returns the recipient and
// true; the body follows the prompt.
func (s *Simulator) handle(cmd string) (string, bool) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
	s.logger.Debug("Command", zap.String("line", cmd))

	for _, p := range s.silent {
		if strings.HasPrefix(cmd, p) {
			return "", false
		}
	}

	upper := strings.ToUpper(cmd)
	switch {
	case upper == at.CmdAt:
		s.reply(at.OK)

	case upper == "ATE0", upper == "ATE1":
		s.mu.Lock()
		s.echo = upper == "ATE1"
		s.mu.Unlock()
		s.reply(at.OK)

	case upper == at.CmdSimStatus:
		s.mu.Lock()
		state := at.SimReady
		if !s.unlocked {
			state = at.SimPin
		}
		s.mu.Unlock()
		s.reply(at.InfoSimStatus+" "+state, at.OK)

	case strings.HasPrefix(upper, "AT+CPIN="):
		pin, _ := at.Quoted(cmd, 0)
		s.mu.Lock()
		ok := pin == s.pin
		if ok {
			s.unlocked = true
		}
		s.mu.Unlock()
		if !ok {
			s.reply(at.CmeError + " incorrect password")
			return "", false
		}
		s.reply(at.OK)

	case upper == at.CmdVerboseErrors, upper == at.CmdSetTextMode,
		upper == at.CmdCallerID, upper == at.CmdNewMsgIndex,
		upper == at.CmdLocalTime, upper == at.CmdMoRing,
		upper == at.CmdDTMFDetect:
		s.reply(at.OK)

	case upper == at.CmdClock:
		s.reply(fmt.Sprintf(`%s "%s"`, at.InfoClock, at.FormatGSMTime(s.clock.Now())), at.OK)

	case strings.HasPrefix(upper, "ATD"):
		number := strings.TrimSuffix(cmd[3:], ";")
		s.reply(at.OK)
		progress := s.dial(number)
		s.mu.Lock()
		s.inCall = len(progress) > 0 && progress[len(progress)-1] == at.UrcMoConnected
		s.mu.Unlock()
		s.Inject(progress...)

	case upper == at.CmdAnswer:
		s.mu.Lock()
		s.inCall = true
		s.mu.Unlock()
		s.reply(at.OK)

	case upper == at.CmdHangup:
		s.mu.Lock()
		s.inCall = false
		s.mu.Unlock()
		s.reply(at.OK)

	case strings.HasPrefix(upper, "AT+VTS="):
		tones, _ := at.Quoted(cmd, 0)
		digits := strings.ReplaceAll(tones, ",", "")
		s.mu.Lock()
		inCall := s.inCall
		if inCall {
			s.played = append(s.played, digits)
		}
		s.mu.Unlock()
		if !inCall {
			s.reply(at.CmeError + " operation not allowed")
			return "", false
		}
		s.reply(at.OK)
		if s.tones != nil {
			s.Inject(s.tones(digits)...)
		}

	case strings.HasPrefix(upper, "AT+CMGS="):
		recipient, ok := at.Quoted(cmd, 0)
		if !ok {
			s.reply(at.ERROR)
			return "", false
		}
		s.write(at.CRLF + at.Prompt)
		return recipient, true

	case strings.HasPrefix(upper, "AT+CMGR="):
		index, ok := s.index(cmd)
		if !ok {
			return "", false
		}
		s.mu.Lock()
		msg, found := s.messages[index]
		if found && msg.Status == "REC UNREAD" {
			s.messages[index] = Message{Status: "REC READ", Sender: msg.Sender, Time: msg.Time, Text: msg.Text}
		}
		s.mu.Unlock()
		if !found {
			s.reply(at.OK)
			return "", false
		}
		s.reply(fmt.Sprintf(`%s "%s","%s","","%s"`, at.InfoReadSMS, msg.Status, msg.Sender, msg.Time), msg.Text, at.OK)

	case strings.HasPrefix(upper, "AT+CMGD="):
		index, ok := s.index(cmd)
		if !ok {
			return "", false
		}
		s.mu.Lock()
		delete(s.messages, index)
		s.mu.Unlock()
		s.reply(at.OK)

	case strings.HasPrefix(upper, "AT+CPBR="):
		index, ok := s.index(cmd)
		if !ok {
			return "", false
		}
		s.mu.Lock()
		number, found := s.book[index]
		s.mu.Unlock()
		if !found {
			s.reply(at.OK)
			return "", false
		}
		s.reply(fmt.Sprintf(`%s %d,"%s",145,"Owner"`, at.InfoPhonebook, index, number), at.OK)

	default:
		s.reply(at.ERROR)
	}
	return "", false
}

func (s *Simulator) index(cmd string) (int, bool) {
	i := strings.IndexByte(cmd, '=')
	n, err := strconv.Atoi(strings.TrimSpace(cmd[i+1:]))
	if err != nil || n < 1 {
		s.reply(at.CmsError + " invalid memory index")
		return 0, false
	}
	return n, true
}

func (s *Simulator) submit(to, text string) {
	s.mu.Lock()
	s.sent = append(s.sent, Sent{To: to, Text: text})
	s.nextRef++
	ref := s.nextRef
	s.mu.Unlock()
	s.reply(fmt.Sprintf("%s %d", at.InfoSendSMS, ref), at.OK)
}

// reply writes lines framed the way the modem frames responses in
// non-verbose-echo mode.
func (s *Simulator) reply(lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(at.CRLF + l + at.CRLF)
	}
	if err := s.write(b.String()); err != nil {
		s.logger.Debug("Reply dropped", zap.Error(err))
	}
}

func (s *Simulator) write(text string) error {
	select {
	case s.out <- text:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Simulator) drain() {
	for {
		select {
		case text := <-s.out:
			if _, err := io.WriteString(s.conn, text); err != nil {
				s.logger.Debug("Write failed", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}
