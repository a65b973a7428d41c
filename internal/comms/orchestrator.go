// Package comms delivers alarm codes to the remote operator and turns the
// operator's inbound commands into relay requests.
package comms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"i4.energy/across/alarmgw/internal/alarm"
	"i4.energy/across/alarmgw/internal/events"
	"i4.energy/across/alarmgw/internal/relay"
	"i4.energy/across/alarmgw/modem"
)

// Modem is the part of *modem.Modem the orchestrator drives.
type Modem interface {
	Subscribe(kind modem.EventKind) (<-chan modem.Event, error)
	Dial(ctx context.Context, number string) error
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	SendDTMF(ctx context.Context, digits string) error
	SendSMS(ctx context.Context, recipient, message string) error
	ReadSMS(ctx context.Context, index int) (modem.SMS, error)
	DeleteSMS(ctx context.Context, index int) error
	ReadPhonebook(ctx context.Context, index int) (string, error)
	NetworkTime(ctx context.Context) (time.Time, error)
	Reinitialize(ctx context.Context) error
}

// Relays accepts validated inbound commands.
type Relays interface {
	Request(ctx context.Context, s relay.State) error
}

// Phase is the delivery state of the orchestrator.
type Phase int

const (
	// Idle has no session.
	Idle Phase = iota
	// Composing builds the payload of a new session.
	Composing
	// Sending waits for the SMS to go out or for the call to connect.
	Sending
	// AwaitingConfirm has sent the tones and waits for "#".
	AwaitingConfirm
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Composing:
		return "composing"
	case Sending:
		return "sending"
	case AwaitingConfirm:
		return "awaiting_confirm"
	}
	return "unknown"
}

// Session is the delivery in progress. There is at most one.
type Session struct {
	Mode        Mode
	Code        alarm.Code
	Attempts    int
	LastAttempt time.Time
	Confirmed   bool
}

// Status is a snapshot of the orchestrator for status reporting.
type Status struct {
	Phase Phase
	// Session is a copy of the session in progress, nil when idle.
	Session *Session
	// Destination is empty until the boot lookup succeeded.
	Destination string
	InboundCall bool
	// NetworkTime is the network clock reading when the snapshot was taken.
	NetworkTime time.Time
	TimeSynced  bool
}

type callState int

const (
	callNone callState = iota
	callDialing
	callConnected
)

type inboundCall struct {
	caller string
	digits string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the real clock used for retry and call timers.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink receives delivery, inbound command and modem fault records.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithNetworkClock shares a network clock with other components. By
// default the orchestrator creates its own.
func WithNetworkClock(c *NetworkClock) Option {
	return func(o *Orchestrator) { o.netClock = c }
}

// Orchestrator runs the delivery state machine and the inbound command
// listener on one goroutine. Everything below the mutex is owned by Run.
type Orchestrator struct {
	config   Config
	modem    Modem
	relays   Relays
	contact  *relay.Contact
	clock    clockwork.Clock
	netClock *NetworkClock
	logger   *zap.Logger
	sink     events.Sink

	calls     <-chan modem.Event
	messages  <-chan modem.Event
	tones     <-chan modem.Event
	times     <-chan modem.Event
	connected <-chan modem.Event
	ended     <-chan modem.Event

	session     *Session
	phase       Phase
	destination string
	call        callState
	inbound     *inboundCall

	retry        timer
	connect      timer
	inboundTimer timer

	mu     sync.RWMutex
	status Status
}

// New subscribes to the modem notifications the orchestrator consumes.
func New(config Config, m Modem, relays Relays, contact *relay.Contact, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config:  config,
		modem:   m,
		relays:  relays,
		contact: contact,
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		sink:    events.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.netClock == nil {
		o.netClock = NewNetworkClock(o.clock)
	}
	o.logger = o.logger.With(zap.String("component", "comms"))
	o.retry.clock = o.clock
	o.connect.clock = o.clock
	o.inboundTimer.clock = o.clock

	subs := []struct {
		kind modem.EventKind
		ch   *<-chan modem.Event
	}{
		{modem.IncomingCall, &o.calls},
		{modem.IncomingSMS, &o.messages},
		{modem.DTMF, &o.tones},
		{modem.NetworkTime, &o.times},
		{modem.CallConnected, &o.connected},
		{modem.CallEnded, &o.ended},
	}
	for _, s := range subs {
		ch, err := m.Subscribe(s.kind)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", s.kind, err)
		}
		*s.ch = ch
	}
	o.publishStatus()
	return o, nil
}

// Clock returns the network clock the orchestrator keeps in sync.
func (o *Orchestrator) Clock() *NetworkClock {
	return o.netClock
}

// Status returns the latest snapshot. It is safe for concurrent use.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Run consumes alarm events and modem notifications until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, alarms <-chan alarm.Event) error {
	defer o.retry.stop()
	defer o.connect.stop()
	defer o.inboundTimer.stop()

	o.boot(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-alarms:
			o.handleAlarm(ctx, ev)
		case ev := <-o.calls:
			o.handleIncomingCall(ctx, ev)
		case ev := <-o.messages:
			o.handleIncomingSMS(ctx, ev)
		case ev := <-o.tones:
			o.handleDTMF(ctx, ev)
		case ev := <-o.times:
			o.netClock.Set(ev.Time)
			o.logger.Debug("Network time updated", zap.Time("time", ev.Time))
		case <-o.connected:
			o.handleConnected(ctx)
		case <-o.ended:
			o.handleCallEnded(ctx)
		case <-o.retry.C():
			o.retry.fired()
			o.attempt(ctx)
		case <-o.connect.C():
			o.connect.fired()
			o.handleConnectTimeout(ctx)
		case <-o.inboundTimer.C():
			o.inboundTimer.fired()
			o.logger.Info("Inbound call timed out waiting for digits")
			o.endInbound(ctx, true)
		}
		o.publishStatus()
	}
}

func (o *Orchestrator) boot(ctx context.Context) {
	o.phase = Composing
	o.publishStatus()

	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	if now, err := o.modem.NetworkTime(opCtx); err != nil {
		o.logger.Warn("Network time query failed", zap.Error(err))
	} else {
		o.netClock.Set(now)
		o.logger.Info("Network time synchronized", zap.Time("time", now))
	}
	o.resolveDestination(ctx)

	o.phase = Idle
	o.publishStatus()
}

func (o *Orchestrator) resolveDestination(ctx context.Context) bool {
	if o.destination != "" {
		return true
	}
	if o.config.Destination != "" {
		o.destination = o.config.Destination
		return true
	}

	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	number, err := o.modem.ReadPhonebook(opCtx, o.config.PhonebookSlot)
	if err != nil {
		o.logger.Warn("Destination lookup failed",
			zap.Int("slot", o.config.PhonebookSlot),
			zap.Error(err))
		o.handleFault(ctx, err)
		return false
	}
	o.destination = number
	o.logger.Info("Destination resolved", zap.String("number", number))
	return true
}

func (o *Orchestrator) handleAlarm(ctx context.Context, ev alarm.Event) {
	if s := o.session; s != nil {
		o.logger.Info("Alarm event supersedes session",
			zap.Stringer("old", s.Code),
			zap.Stringer("new", ev.Code))
		s.Code = ev.Code
		s.Attempts = 0
		if o.call == callDialing {
			// Tones go out with the new code once the call connects.
			return
		}
		o.attempt(ctx)
		return
	}

	o.session = &Session{Mode: o.config.Mode, Code: ev.Code}
	o.phase = Composing
	o.attempt(ctx)
}

// attempt starts one delivery try for the current session.
func (o *Orchestrator) attempt(ctx context.Context) {
	s := o.session
	if s == nil {
		return
	}
	o.retry.stop()

	if o.inbound != nil {
		o.logger.Debug("Inbound call active, deferring delivery")
		o.retry.arm(o.config.RetryInterval)
		return
	}
	if o.config.MaxAttempts > 0 && s.Attempts >= o.config.MaxAttempts {
		o.abandon(ctx)
		return
	}

	s.Attempts++
	s.LastAttempt = o.clock.Now()
	o.phase = Sending

	if !o.resolveDestination(ctx) {
		o.retry.arm(o.config.RetryInterval)
		return
	}

	o.logger.Info("Delivery attempt",
		zap.String("mode", string(s.Mode)),
		zap.Stringer("code", s.Code),
		zap.Int("attempt", s.Attempts))

	switch s.Mode {
	case ModeSMS:
		o.sendSMS(ctx)
	default:
		o.sendDTMF(ctx)
	}
}

func (o *Orchestrator) sendSMS(ctx context.Context) {
	s := o.session
	payload := ComposeSMS(o.config.Prefix, s.Code, o.netClock.Now())

	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	if err := o.modem.SendSMS(opCtx, o.destination, payload); err != nil {
		o.failed(ctx, err)
		return
	}

	o.emit(events.KindDelivery, s.Code.String(), "sms sent")
	o.logger.Info("Alarm sms sent", zap.String("payload", payload))
	o.finish()
}

func (o *Orchestrator) sendDTMF(ctx context.Context) {
	if o.call == callConnected {
		o.transmit(ctx)
		return
	}
	if o.call == callDialing {
		o.hangup(ctx)
	}

	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	if err := o.modem.Dial(opCtx, o.destination); err != nil {
		o.call = callNone
		o.failed(ctx, err)
		return
	}
	o.call = callDialing
	o.connect.arm(o.config.ConnectTimeout)
}

// transmit sends the session code as tones on the connected call.
func (o *Orchestrator) transmit(ctx context.Context) {
	s := o.session
	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	if err := o.modem.SendDTMF(opCtx, ComposeDTMF(s.Code)); err != nil {
		o.failed(ctx, err)
		return
	}
	o.phase = AwaitingConfirm
	o.emit(events.KindDelivery, s.Code.String(), "tones sent")
	o.retry.arm(o.config.RetryInterval)
}

func (o *Orchestrator) failed(ctx context.Context, err error) {
	s := o.session
	o.logger.Warn("Delivery attempt failed",
		zap.Stringer("code", s.Code),
		zap.Int("attempt", s.Attempts),
		zap.Error(err))
	o.emit(events.KindDelivery, s.Code.String(), "failed: "+err.Error())
	o.handleFault(ctx, err)
	o.scheduleRetry(ctx)
}

// scheduleRetry arms the next attempt one retry interval after the last.
func (o *Orchestrator) scheduleRetry(ctx context.Context) {
	if o.session == nil || o.retry.armed() {
		return
	}
	d := o.session.LastAttempt.Add(o.config.RetryInterval).Sub(o.clock.Now())
	if d <= 0 {
		o.attempt(ctx)
		return
	}
	o.retry.arm(d)
}

func (o *Orchestrator) handleConnected(ctx context.Context) {
	if o.call != callDialing {
		o.logger.Debug("Ignoring call connected notification")
		return
	}
	o.connect.stop()
	o.call = callConnected
	if o.session == nil {
		o.hangup(ctx)
		return
	}
	o.transmit(ctx)
}

func (o *Orchestrator) handleConnectTimeout(ctx context.Context) {
	o.logger.Info("Call not answered", zap.Duration("timeout", o.config.ConnectTimeout))
	o.hangup(ctx)
	if s := o.session; s != nil {
		o.emit(events.KindDelivery, s.Code.String(), "not answered")
	}
	o.scheduleRetry(ctx)
}

func (o *Orchestrator) handleCallEnded(ctx context.Context) {
	if o.inbound != nil {
		o.logger.Info("Inbound call ended", zap.String("caller", o.inbound.caller))
		o.endInbound(ctx, false)
		return
	}
	if o.call == callNone {
		return
	}
	o.logger.Info("Outbound call ended")
	o.call = callNone
	o.connect.stop()
	if o.session != nil {
		o.phase = Sending
	}
	o.scheduleRetry(ctx)
}

func (o *Orchestrator) handleDTMF(ctx context.Context, ev modem.Event) {
	if o.inbound != nil {
		o.collectDigits(ctx, ev.Digits)
		return
	}
	if ev.Digits == Confirmation && o.session != nil && o.call == callConnected && o.phase == AwaitingConfirm {
		o.confirm(ctx)
		return
	}
	o.logger.Debug("Ignoring dtmf", zap.String("digits", ev.Digits))
}

func (o *Orchestrator) confirm(ctx context.Context) {
	s := o.session
	s.Confirmed = true
	now := o.clock.Now()
	o.contact.Touch(now)
	o.logger.Info("Delivery confirmed", zap.Stringer("code", s.Code), zap.Int("attempts", s.Attempts))
	o.emit(events.KindConfirmed, s.Code.String(), fmt.Sprintf("after %d attempts", s.Attempts))
	o.retry.stop()
	o.hangup(ctx)
	o.finish()
}

func (o *Orchestrator) abandon(ctx context.Context) {
	s := o.session
	o.logger.Warn("Delivery abandoned", zap.Stringer("code", s.Code), zap.Int("attempts", s.Attempts))
	o.emit(events.KindAbandoned, s.Code.String(), fmt.Sprintf("after %d attempts", s.Attempts))
	if o.call != callNone {
		o.hangup(ctx)
	}
	o.finish()
}

func (o *Orchestrator) finish() {
	o.retry.stop()
	o.connect.stop()
	o.session = nil
	o.phase = Idle
}

func (o *Orchestrator) hangup(ctx context.Context) {
	o.connect.stop()
	o.call = callNone
	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	if err := o.modem.Hangup(opCtx); err != nil {
		o.logger.Warn("Hangup failed", zap.Error(err))
		o.handleFault(ctx, err)
	}
}

func (o *Orchestrator) handleIncomingCall(ctx context.Context, ev modem.Event) {
	if o.inbound != nil {
		return
	}
	if o.call != callNone {
		o.logger.Debug("Ignoring incoming call during outbound call")
		return
	}
	if len(o.config.AuthorizedCallers) > 0 {
		if ev.Caller == "" {
			// Wait for the caller id that follows RING.
			return
		}
		if !o.authorized(ev.Caller) {
			o.logger.Info("Rejecting call from unknown number", zap.String("caller", ev.Caller))
			o.hangup(ctx)
			return
		}
	}

	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	if err := o.modem.Answer(opCtx); err != nil {
		o.logger.Warn("Answer failed", zap.Error(err))
		o.handleFault(ctx, err)
		return
	}
	o.logger.Info("Inbound call answered", zap.String("caller", ev.Caller))
	o.inbound = &inboundCall{caller: ev.Caller}
	o.inboundTimer.arm(o.config.InboundTimeout)
}

func (o *Orchestrator) collectDigits(ctx context.Context, digits string) {
	in := o.inbound
	in.digits += digits
	if len(in.digits) < alarm.Channels {
		return
	}

	o.apply(ctx, "call "+in.caller, in.digits[:alarm.Channels], ParseDigits)
	o.endInbound(ctx, true)
}

func (o *Orchestrator) endInbound(ctx context.Context, hangup bool) {
	o.inboundTimer.stop()
	o.inbound = nil
	if hangup {
		o.hangup(ctx)
	}
	// A delivery deferred by the call resumes on the attempt cadence.
	o.retry.stop()
	o.scheduleRetry(ctx)
}

func (o *Orchestrator) handleIncomingSMS(ctx context.Context, ev modem.Event) {
	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	msg, err := o.modem.ReadSMS(opCtx, ev.Index)
	if err != nil {
		if errors.Is(err, modem.ErrEmptySlot) {
			o.logger.Debug("Message slot empty", zap.Int("index", ev.Index))
			return
		}
		o.logger.Warn("Reading message failed", zap.Int("index", ev.Index), zap.Error(err))
		o.handleFault(ctx, err)
		return
	}

	if len(o.config.AuthorizedCallers) > 0 && !o.authorized(msg.Sender) {
		o.logger.Info("Ignoring message from unknown number", zap.String("sender", msg.Sender))
	} else {
		body := DecodeBody(msg.Text)
		o.apply(ctx, "sms "+msg.Sender, body, func(b string) (relay.State, error) {
			return ParseCommand(o.config.Prefix, b)
		})
	}

	if err := o.modem.DeleteSMS(opCtx, ev.Index); err != nil {
		o.logger.Warn("Deleting message failed", zap.Int("index", ev.Index), zap.Error(err))
	}
}

// apply parses an inbound command and forwards it to the relays. Input that
// does not parse is dropped.
func (o *Orchestrator) apply(ctx context.Context, source, input string, parse func(string) (relay.State, error)) {
	state, err := parse(input)
	if err != nil {
		o.logger.Debug("Ignoring inbound input", zap.String("source", source), zap.Error(err))
		return
	}
	if err := o.relays.Request(ctx, state); err != nil {
		o.logger.Error("Relay request failed", zap.Stringer("state", state), zap.Error(err))
		return
	}
	o.logger.Info("Inbound command accepted", zap.String("source", source), zap.Stringer("state", state))
	o.emit(events.KindInbound, state.String(), source)
}

func (o *Orchestrator) authorized(number string) bool {
	return slices.Contains(o.config.AuthorizedCallers, number)
}

// handleFault drops call state after a modem fault. An exhausted timeout
// reinitializes the modem; a transport fault ends the modem loop, whose
// supervisor reconnects it. Rejections need nothing.
func (o *Orchestrator) handleFault(ctx context.Context, err error) {
	var terr *modem.TransportError
	transport := errors.As(err, &terr)
	if !transport && !errors.Is(err, modem.ErrTimeout) {
		return
	}
	o.call = callNone
	o.connect.stop()
	if o.inbound != nil {
		o.inboundTimer.stop()
		o.inbound = nil
	}

	if transport {
		o.logger.Warn("Modem transport failed, awaiting reconnect", zap.Error(err))
		o.emit(events.KindModem, "", "transport: "+err.Error())
		return
	}
	o.logger.Warn("Modem fault, reinitializing", zap.Error(err))
	o.emit(events.KindModem, "", "reinitialize: "+err.Error())
	if err := o.modem.Reinitialize(ctx); err != nil {
		o.logger.Error("Modem reinitialization failed", zap.Error(err))
	}
}

func (o *Orchestrator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.config.OperationTimeout)
}

func (o *Orchestrator) emit(kind events.Kind, code, detail string) {
	o.sink.Emit(events.Record{Kind: kind, Code: code, Detail: detail, At: o.clock.Now()})
}

func (o *Orchestrator) publishStatus() {
	st := Status{
		Phase:       o.phase,
		Destination: o.destination,
		InboundCall: o.inbound != nil,
		NetworkTime: o.netClock.Now(),
		TimeSynced:  o.netClock.Synced(),
	}
	if o.session != nil {
		s := *o.session
		st.Session = &s
	}
	o.mu.Lock()
	o.status = st
	o.mu.Unlock()
}

// timer wraps a clockwork timer that may be disarmed. A nil channel never
// fires in a select.
type timer struct {
	clock clockwork.Clock
	t     clockwork.Timer
}

func (t *timer) arm(d time.Duration) {
	t.stop()
	t.t = t.clock.NewTimer(d)
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *timer) fired() {
	t.t = nil
}

func (t *timer) armed() bool {
	return t.t != nil
}

func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.Chan()
}
