// Command modemsim exposes a simulated SIM800 modem on a pseudo-terminal so
// that the gateway can be exercised without hardware. Lines typed on stdin
// are sent to the gateway as unsolicited notifications; a few shortcuts are
// understood:
//
//	ring <number>          incoming call with caller id
//	sms <sender> <text>    store a message and announce it
//	tone <digits>          DTMF detected on the current call
//	hangup                 remote party hangs up
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"i4.energy/across/alarmgw/at"
	"i4.energy/across/alarmgw/internal/simulator"
)

type options struct {
	PIN       string            `long:"pin" description:"Require this SIM PIN before reporting ready"`
	Phonebook map[string]string `long:"phonebook" description:"Phonebook entry as slot:number, repeatable"`
	Dial      string            `long:"dial" choice:"connect" choice:"busy" choice:"no-answer" choice:"silent" default:"connect" description:"Outcome of outgoing calls"`
	Confirm   bool              `long:"confirm" description:"Answer every tone burst with a # tone"`
	Verbose   bool              `short:"v" long:"verbose" description:"Log every command received"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := zap.NewNop()
	if opts.Verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	if err := run(opts, logger); err != nil {
		logger.Error("Simulator failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options, logger *zap.Logger) error {
	book, err := phonebook(opts.Phonebook)
	if err != nil {
		return err
	}

	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer slave.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	simOpts := []simulator.Option{
		simulator.WithLogger(logger),
		simulator.WithPhonebook(book),
		simulator.WithDial(dialOutcome(opts.Dial)),
	}
	if opts.PIN != "" {
		simOpts = append(simOpts, simulator.WithPIN(opts.PIN))
	}
	if opts.Confirm {
		simOpts = append(simOpts, simulator.WithTones(func(string) []string {
			return []string{at.UrcDTMF + " #"}
		}))
	}
	sim := simulator.New(master, simOpts...)

	fmt.Printf("modem tty: %s\n", slave.Name())

	go inject(ctx, sim, logger)
	return sim.Serve(ctx)
}

func phonebook(entries map[string]string) (map[int]string, error) {
	book := make(map[int]string, len(entries))
	for slot, number := range entries {
		n, err := strconv.Atoi(slot)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid phonebook slot %q", slot)
		}
		book[n] = number
	}
	return book, nil
}

func dialOutcome(name string) simulator.DialFunc {
	return func(string) []string {
		switch name {
		case "busy":
			return []string{at.Busy}
		case "no-answer":
			return []string{at.NoAnswer}
		case "silent":
			return nil
		default:
			return []string{at.UrcMoConnected}
		}
	}
}

func inject(ctx context.Context, sim *simulator.Simulator, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "ring":
			err = sim.Ring(rest)
		case "sms":
			sender, text, _ := strings.Cut(rest, " ")
			_, err = sim.Deliver(simulator.Message{Sender: sender, Text: text})
		case "tone":
			err = sim.Inject(at.UrcDTMF + " " + rest)
		case "hangup":
			err = sim.Inject(at.NoCarrier)
		default:
			err = sim.Inject(line)
		}
		if err != nil {
			logger.Warn("Inject failed", zap.String("line", line), zap.Error(err))
		}
	}
}
