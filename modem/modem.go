package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/alarmgw/at"
)

// forwardRetry is how often staged events are offered again to subscribers
// whose queues were full.
const forwardRetry = 20 * time.Millisecond

// Modem represents a SIM800-class GSM modem driven by AT commands.
// All transport I/O after initialization is performed by Loop; other
// goroutines submit commands through Execute and receive notifications
// through Subscribe.
type Modem struct {
	// config contains the modem configuration settings
	config Config
	logger *zap.Logger

	// mu guards transport and link, which Reconnect replaces
	mu sync.Mutex
	// powerMu keeps power-key sequences from overlapping
	powerMu sync.Mutex
	// transport provides the physical connection to the modem
	transport Transport
	// link frames the transport byte stream into lines
	link *Link

	// closed indicates if the modem has been shut down
	closed atomic.Bool
	// loopRunning indicates if the Loop is currently running
	loopRunning atomic.Bool

	// commands queues AT command requests for the Loop to process, in order
	commands chan *commandRequest
	// router hands unsolicited events to subscribers
	router *Router
}

// Command is one AT command with its completion rules.
type Command struct {
	Text string
	// Body is written followed by Ctrl-Z once the "> " prompt arrives.
	Body string
	// Terminators are extra line prefixes that complete the command
	// successfully, in addition to OK.
	Terminators []string
	// Failures are line prefixes that end the command as rejected. They
	// take precedence over notification matching and the line is still
	// routed as an event.
	Failures []string
	// Timeout bounds each attempt. Zero selects the configured AT timeout.
	Timeout time.Duration
	// Idempotent commands are rewritten after a timeout.
	Idempotent bool
}

func (c Command) terminates(line string) bool {
	return hasAnyPrefix(line, c.Terminators)
}

func (c Command) fails(line string) bool {
	return hasAnyPrefix(line, c.Failures)
}

func hasAnyPrefix(line string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// commandRequest represents an AT command request to be executed by the Loop.
type commandRequest struct {
	// cmd is the AT command to send to the modem
	cmd Command
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx is checked when the request leaves the queue; an expired request
	// is skipped
	ctx context.Context
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	// lines are the intermediate response lines, without the final result
	lines []string
	err   error
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection and runs the initialization
// sequence directly on the transport, before any Loop is started.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.dialer == nil {
		return nil, ErrNoDialer
	}
	if config.logger == nil {
		config.logger = zap.NewNop()
	}
	if config.queueDepth < 1 {
		config.queueDepth = 1
	}
	if config.routerQueueDepth < 1 {
		config.routerQueueDepth = 1
	}

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	logger := config.logger.With(zap.String("component", "modem"))
	m := &Modem{
		config:    config,
		logger:    logger,
		transport: transport,
		link:      NewLink(transport),
		commands:  make(chan *commandRequest, config.queueDepth),
		router:    newRouter(config.routerQueueDepth, logger),
	}

	if err := m.initDirect(ctx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// Subscribe returns the queue of events of the given kind.
func (m *Modem) Subscribe(kind EventKind) (<-chan Event, error) {
	return m.router.Subscribe(kind)
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called after New and before any other modem operation:
//
//  1. Takes command requests from Execute in FIFO order, one at a time
//  2. Writes AT commands to the transport
//  3. Frames and classifies the lines a reader goroutine delivers
//  4. Routes unsolicited notifications to subscribers
//  5. Completes the pending command on its final result or timeout
//
// Loop runs until the context is cancelled or the transport fails. In the
// latter case it returns a *TransportError and the modem must be
// reconnected before Loop is called again.
//
// Usage:
//
//	m, err := New(ctx, config)
//	if err != nil { return err }
//
//	go m.Loop(ctx)
//
//	lines, err := m.Execute(ctx, Command{Text: "AT+CCLK?", Idempotent: true})
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	m.mu.Lock()
	transport, link := m.transport, m.link
	m.mu.Unlock()
	if transport == nil {
		return ErrNotInitialized
	}

	done := make(chan struct{})
	defer close(done)

	chunks := make(chan []byte)
	readErrs := make(chan error, 1)
	go readChunks(transport, chunks, readErrs, done)

	e := &engine{
		m:        m,
		link:     link,
		deadline: time.NewTimer(time.Hour),
	}
	e.deadline.Stop()
	defer e.deadline.Stop()

	forward := time.NewTimer(time.Hour)
	forward.Stop()
	defer forward.Stop()
	forwardArmed := false

	for _, line := range link.takePending() {
		if err := e.handleLine(line); err != nil {
			return err
		}
	}

	for {
		var commands chan *commandRequest
		var deadlineC <-chan time.Time
		if e.cur == nil {
			commands = m.commands
		} else {
			deadlineC = e.deadline.C
		}

		readC := chunks
		if e.cur == nil && m.router.saturated() {
			readC = nil
		}

		var forwardC <-chan time.Time
		if forwardArmed {
			forwardC = forward.C
		}

		var err error
		select {
		case <-ctx.Done():
			e.abort(ctx.Err())
			return ctx.Err()

		case req := <-commands:
			err = e.start(req)

		case chunk := <-readC:
			err = e.feed(chunk)

		case rerr := <-readErrs:
			err = &TransportError{Op: "read", Err: rerr}

		case <-deadlineC:
			err = e.expire()

		case <-forwardC:
			forwardArmed = false
		}

		if err != nil {
			m.logger.Error("Modem loop stopped", zap.Error(err))
			e.abort(err)
			return err
		}

		if m.router.flush() > 0 {
			if !forwardArmed {
				forward.Reset(forwardRetry)
				forwardArmed = true
			}
		} else if forwardArmed {
			forward.Stop()
			forwardArmed = false
		}
	}
}

// readChunks only moves bytes. Each chunk is handed over before the next
// Read, so a Loop that stops receiving also stops reading the wire.
func readChunks(t Transport, chunks chan<- []byte, errs chan<- error, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			select {
			case chunks <- bytes.Clone(buf[:n]):
			case <-done:
				return
			}
		}
		if err != nil {
			errs <- err
			return
		}
	}
}

// engine is the state owned by one run of Loop.
type engine struct {
	m        *Modem
	link     *Link
	cur      *inflight
	deadline *time.Timer
}

type inflight struct {
	req      *commandRequest
	lines    []string
	attempt  int
	bodySent bool
	started  time.Time
}

func (e *engine) start(req *commandRequest) error {
	if err := req.ctx.Err(); err != nil {
		req.respChan <- commandResponse{err: err}
		return nil
	}
	e.cur = &inflight{req: req, started: time.Now()}
	return e.send()
}

func (e *engine) send() error {
	cmd := e.cur.req.cmd
	e.cur.lines = nil
	e.cur.bodySent = false
	if err := e.link.WriteLine(cmd.Text); err != nil {
		return err
	}
	e.deadline.Reset(cmd.Timeout)
	return nil
}

func (e *engine) feed(chunk []byte) error {
	lines, err := e.link.Feed(chunk)
	if err != nil {
		e.m.logger.Warn("Dropping malformed input", zap.Error(err))
	}
	for _, line := range lines {
		if err := e.handleLine(line); err != nil {
			return err
		}
	}
	return nil
}

// handleLine tests unsolicited patterns first so that a notification
// interleaved with a response never completes or pollutes it.
func (e *engine) handleLine(line string) error {
	if e.cur != nil && e.cur.req.cmd.fails(line) {
		e.m.route(line)
		e.finish(&ProtocolError{Command: e.cur.req.cmd.Text, Reply: line, Err: ErrRejected})
		return nil
	}
	if at.IsURC(line) {
		e.m.route(line)
		return nil
	}
	if e.cur == nil {
		e.m.logger.Debug("Ignoring orphaned line", zap.String("line", line))
		return nil
	}

	cmd := e.cur.req.cmd
	switch {
	case line == at.OK:
		e.finish(nil)

	case at.IsError(line):
		e.finish(&ProtocolError{Command: cmd.Text, Reply: line, Err: ErrRejected})

	case line == at.Prompt && cmd.Body != "" && !e.cur.bodySent:
		e.cur.bodySent = true
		if err := e.link.WriteRaw(cmd.Body + at.CtrlZ); err != nil {
			return err
		}
		e.deadline.Reset(cmd.Timeout)

	case cmd.terminates(line):
		e.cur.lines = append(e.cur.lines, line)
		e.finish(nil)

	default:
		e.cur.lines = append(e.cur.lines, line)
	}
	return nil
}

func (e *engine) expire() error {
	e.link.Discard()

	cmd := e.cur.req.cmd
	if cmd.Idempotent && e.cur.attempt < e.m.config.maxRetries {
		e.cur.attempt++
		e.m.logger.Warn("Command timed out, retrying",
			zap.String("command", cmd.Text),
			zap.Int("attempt", e.cur.attempt+1))
		return e.send()
	}

	e.finish(&ProtocolError{Command: cmd.Text, Err: ErrTimeout})
	return nil
}

func (e *engine) finish(err error) {
	e.deadline.Stop()
	cur := e.cur
	e.cur = nil

	if obs := e.m.config.observer; obs != nil {
		obs.ObserveCommand(verb(cur.req.cmd.Text), time.Since(cur.started), err)
	}
	cur.req.respChan <- commandResponse{lines: cur.lines, err: err}
}

func (e *engine) abort(err error) {
	if e.cur != nil {
		e.finish(err)
	}
}

func (m *Modem) route(line string) {
	ev := ParseEvent(line)
	if obs := m.config.observer; obs != nil {
		obs.ObserveEvent(ev.Kind)
	}
	if !m.router.stage(ev) {
		m.logger.Debug("No subscriber, event discarded",
			zap.Stringer("kind", ev.Kind),
			zap.String("line", line))
	}
}

// verb strips parameters so that metrics never carry phone numbers.
func verb(text string) string {
	if strings.HasPrefix(text, "ATD") {
		return "ATD"
	}
	if i := strings.IndexAny(text, "=?"); i > 0 {
		return text[:i]
	}
	return text
}

// Execute queues cmd and waits for its result. Requests run one at a time
// in submission order. If ctx is done before the request leaves the queue
// the request is skipped; once written, a command is only ended by its
// final result or its timeout.
func (m *Modem) Execute(ctx context.Context, cmd Command) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = m.config.atTimeout
	}

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1),
		ctx:      ctx,
	}

	select {
	case m.commands <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}

	select {
	case resp := <-req.respChan:
		return resp.lines, resp.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", verb(cmd.Text), ctx.Err())
	}
}

// exec runs an idempotent command through the Loop.
func (m *Modem) exec(ctx context.Context, text string) ([]string, error) {
	return m.Execute(ctx, Command{Text: text, Idempotent: true})
}

// Close shuts down the modem and releases all resources. Closing the
// transport ends a running Loop. After Close the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// Reinitialize power-cycles the modem, when a PowerCycler is configured,
// and replays the initialization sequence through the running Loop.
func (m *Modem) Reinitialize(ctx context.Context) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	if err := m.powerCycle(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.initTimeout)
	defer cancel()
	if err := m.configure(ctx, m.exec); err != nil {
		return fmt.Errorf("reinitialize modem: %w", err)
	}
	m.logger.Info("Modem reinitialized")
	return nil
}

// Reconnect replaces a failed transport. It must not be called while Loop
// runs. Commands queued in the meantime are kept and run by the next Loop.
func (m *Modem) Reconnect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	if m.loopRunning.Load() {
		return ErrLoopRunning
	}

	m.mu.Lock()
	old := m.transport
	m.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("Closing failed transport", zap.Error(err))
		}
	}

	if err := m.powerCycle(ctx); err != nil {
		return err
	}

	transport, err := m.config.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return ErrNotInitialized
	}

	m.mu.Lock()
	m.transport = transport
	m.link = NewLink(transport)
	m.mu.Unlock()

	if err := m.initDirect(ctx); err != nil {
		return fmt.Errorf("initialize modem: %w", err)
	}
	m.logger.Info("Modem reconnected")
	return nil
}

// powerCycle runs the configured PowerCycler, one sequence at a time.
func (m *Modem) powerCycle(ctx context.Context) error {
	if m.config.power == nil {
		return nil
	}
	m.powerMu.Lock()
	defer m.powerMu.Unlock()

	m.logger.Info("Power cycling modem")
	if err := m.config.power.Cycle(ctx); err != nil {
		return fmt.Errorf("power cycle modem: %w", err)
	}
	return nil
}

type runFunc func(ctx context.Context, cmd string) ([]string, error)

// initDirect runs the initialization sequence on the transport, bounded by
// the init timeout.
func (m *Modem) initDirect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.initTimeout)
	defer cancel()
	return m.configure(ctx, m.execDirect)
}

// configure performs the setup sequence that must complete before the modem
// is usable: basic checks, SIM unlock, then the notification settings the
// alarm depends on.
func (m *Modem) configure(ctx context.Context, run runFunc) error {
	// 1. Wake-up / sanity check
	if _, err := run(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if _, err := run(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	if _, err := run(ctx, at.CmdVerboseErrors); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	// 2. Check SIM status
	lines, err := run(ctx, at.CmdSimStatus)
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}
	simStatus := strings.Join(lines, "\n")

	switch {
	case strings.Contains(simStatus, at.SimReady):
		// OK

	case strings.Contains(simStatus, at.SimPin):
		if m.config.simPIN == "" {
			return ErrSIMPinRequired
		}
		if _, err := run(ctx, at.EnterPIN(m.config.simPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}

		// Wait until SIM becomes ready
		if err := m.waitForSIMReady(ctx, run, m.config.simPoll); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported SIM state: %q", simStatus)
	}

	// 3. Messaging and call notifications
	steps := []struct {
		cmd  string
		what string
	}{
		{at.CmdSetTextMode, "set SMS text mode"},
		{at.CmdCallerID, "enable caller identification"},
		{at.CmdNewMsgIndex, "enable new message indications"},
		{at.CmdLocalTime, "enable network time updates"},
		{at.CmdMoRing, "enable call progress indications"},
		{at.CmdDTMFDetect, "enable DTMF detection"},
	}
	for _, step := range steps {
		if _, err := run(ctx, step.cmd); err != nil {
			return fmt.Errorf("%s: %w", step.what, err)
		}
	}

	return nil
}

// execDirect executes an AT command directly on the transport without
// using the Loop. It is used during initialization, when the Loop is not
// running yet.
//
// WARNING: This method must never run concurrently with Loop.
func (m *Modem) execDirect(ctx context.Context, cmd string) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}

	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return nil, ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.atTimeout)
		defer cancel()
	}

	if err := link.WriteLine(cmd); err != nil {
		return nil, err
	}

	var lines []string
	for line, err := range link.Lines(ctx) {
		if err != nil {
			return lines, fmt.Errorf("%s: %w", cmd, err)
		}

		switch at.Classify(line) {
		case at.TypeFinal:
			if line == at.OK {
				return lines, nil
			}
			return lines, &ProtocolError{Command: cmd, Reply: line, Err: ErrRejected}

		case at.TypeData:
			lines = append(lines, line)

		case at.TypeURC:
			m.logger.Debug("Ignoring notification during init", zap.String("line", line))

		case at.TypePrompt:
			lines = append(lines, line)
			return lines, nil
		}
	}
	return lines, &TransportError{Op: "read", Err: errors.New("line sequence ended")}
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational.
func (m *Modem) waitForSIMReady(ctx context.Context, run runFunc, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			lines, err := run(ctx, at.CmdSimStatus)
			if err != nil {
				// Fail fast on critical errors
				var terr *TransportError
				if errors.Is(err, ErrAlreadyClosed) || errors.As(err, &terr) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if strings.Contains(strings.Join(lines, "\n"), at.SimReady) {
				return nil
			}
		}
	}
}
