package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"

	"i4.energy/across/alarmgw/internal/alarm"
	"i4.energy/across/alarmgw/internal/board"
	"i4.energy/across/alarmgw/internal/comms"
	"i4.energy/across/alarmgw/internal/events"
	"i4.energy/across/alarmgw/internal/journal"
	"i4.energy/across/alarmgw/internal/relay"
	"i4.energy/across/alarmgw/internal/telemetry"
	"i4.energy/across/alarmgw/modem"
)

const (
	serviceName = "alarmgw"
	maxBackoff  = time.Minute
	pruneEvery  = time.Hour
	eventQueue  = 64
)

func main() {
	var opts Options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	config, err := LoadConfig(WithDefaults(), WithFile(opts.ConfigFile), WithEnv(), WithFlags(&opts))
	if err == nil {
		err = config.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(config.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Gateway stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Gateway stopped")
}

// newLogger builds a JSON production logger, or a console logger for
// bench work, tagged with the service and host name.
func newLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if c.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}
	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service_name", serviceName))
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		logger = logger.With(zap.String("hostname", hostname))
	}
	return logger, nil
}

func run(ctx context.Context, config *Config, logger *zap.Logger) error {
	clock := clockwork.NewRealClock()

	hw, err := openBoard(config.Board, clock, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	handlers := []events.Handler{metrics}

	var store *journal.Journal
	if config.Journal.Path != "" {
		store, err = journal.Open(config.Journal.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		handlers = append(handlers, store)
	}

	if config.MQTT.Enabled() {
		publisher, err := telemetry.NewPublisher(config.MQTT, logger)
		if err != nil {
			// the broker is optional; the gateway runs without it
			logger.Warn("MQTT publisher disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			handlers = append(handlers, publisher)
		}
	}

	fanout := events.NewFanout(eventQueue, logger, handlers...)
	observer := events.Observer{Sink: fanout, Now: clock.Now}

	contact := relay.NewContact(clock.Now())
	controller := relay.NewController(config.Relay, hw.relays, contact,
		relay.WithClock(clock), relay.WithLogger(logger), relay.WithObserver(observer))
	watchdog := relay.NewWatchdog(config.Relay, contact, controller,
		relay.WithClock(clock), relay.WithLogger(logger), relay.WithObserver(observer))

	mc, err := modemConfig(config, hw.power, metrics, logger)
	if err != nil {
		return err
	}
	m, err := connectModem(ctx, mc, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	tracker := alarm.NewTracker(config.Alarm,
		alarm.WithClock(clock), alarm.WithLogger(logger), alarm.WithObserver(observer))

	orchestrator, err := comms.New(config.Delivery, m, controller, contact,
		comms.WithClock(clock), comms.WithLogger(logger), comms.WithSink(fanout))
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	server := &Server{
		Logger:   logger.With(zap.String("component", "server")),
		Delivery: orchestrator,
		Relays:   controller,
		Alarm:    tracker,
		Contact:  contact,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Now:      clock.Now,
	}
	if store != nil {
		server.Events = store
	}
	httpServer := &http.Server{
		Addr:              config.HTTP.BindAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting alarm gateway",
		zap.String("serial_port", config.Serial.Port),
		zap.String("mode", string(config.Delivery.Mode)),
		zap.Bool("simulated_board", config.Board.Simulated))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanout.Run(ctx) })
	g.Go(func() error { return controller.Run(ctx) })
	g.Go(func() error { return watchdog.Run(ctx) })
	g.Go(func() error { return superviseModem(ctx, m, logger) })
	g.Go(func() error { return tracker.Run(ctx, hw.sampler) })
	g.Go(func() error { return orchestrator.Run(ctx, tracker.Events()) })
	if store != nil {
		g.Go(func() error { return pruneJournal(ctx, store, config.Journal.Retention, clock, logger) })
	}
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Closing HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Closing modem connection")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type hardware struct {
	relays  relay.Driver
	sampler alarm.Sampler
	power   modem.PowerCycler
}

func openBoard(config BoardConfig, clock clockwork.Clock, logger *zap.Logger) (hardware, error) {
	if config.Simulated {
		logger.Warn("Running with a simulated board")
		return hardware{
			relays:  benchRelays{logger: logger.With(zap.String("component", "relay"))},
			sampler: benchSampler{},
		}, nil
	}

	if err := board.Init(); err != nil {
		return hardware{}, err
	}

	var hw hardware
	pins := make([]gpio.PinOut, 0, len(config.RelayPins))
	for _, name := range config.RelayPins {
		p, err := board.Pin(name)
		if err != nil {
			return hardware{}, err
		}
		pins = append(pins, p)
	}
	relays, err := board.NewRelays(pins, config.ActiveLow)
	if err != nil {
		return hardware{}, err
	}
	hw.relays = relays

	channels := make([]board.ADCChannel, 0, len(config.ADCPaths))
	for _, path := range config.ADCPaths {
		channels = append(channels, board.IIOChannel{Path: path})
	}
	sampler, err := board.NewADCSampler(channels)
	if err != nil {
		return hardware{}, err
	}
	hw.sampler = sampler

	if config.PowerKeyPin != "" {
		p, err := board.Pin(config.PowerKeyPin)
		if err != nil {
			return hardware{}, err
		}
		if err := p.Out(gpio.High); err != nil {
			return hardware{}, fmt.Errorf("release power key: %w", err)
		}
		hw.power = board.NewPowerKey(p, config.PowerPulse, config.PowerSettle, clock)
	}
	return hw, nil
}

// benchRelays logs relay writes in place of driving GPIO.
type benchRelays struct {
	logger *zap.Logger
}

func (b benchRelays) Apply(s relay.State) error {
	b.logger.Info("Relay outputs written", zap.Stringer("state", s))
	return nil
}

// benchSampler reports every sensor channel clear.
type benchSampler struct{}

func (benchSampler) Sample(context.Context) (alarm.Samples, error) {
	return alarm.Samples{}, nil
}

func modemConfig(config *Config, power modem.PowerCycler, observer modem.Observer, logger *zap.Logger) (modem.Config, error) {
	mode := modem.DefaultSerialMode
	mode.BaudRate = config.Serial.BaudRate

	builder := modem.NewConfigBuilder().
		WithDialer(modem.SerialDialer{PortName: config.Serial.Port, Mode: &mode}).
		WithLogger(logger).
		WithObserver(observer).
		WithSimPIN(config.Modem.SimPIN).
		WithATTimeout(config.Modem.ATTimeout).
		WithCallTimeout(config.Modem.CallTimeout).
		WithSMSTimeout(config.Modem.SMSTimeout).
		WithInitTimeout(config.Modem.InitTimeout).
		WithMaxRetries(config.Modem.MaxRetries)
	if power != nil {
		builder.WithPowerCycler(power)
	}
	built, err := builder.Build()
	if err != nil {
		return modem.Config{}, fmt.Errorf("create modem config: %w", err)
	}
	return built, nil
}

// connectModem keeps trying to open and initialize the modem until it
// answers or the SIM needs a PIN that was not configured.
func connectModem(ctx context.Context, config modem.Config, logger *zap.Logger) (*modem.Modem, error) {
	backoff := time.Second
	for {
		m, err := modem.New(ctx, config)
		if err == nil {
			return m, nil
		}
		if errors.Is(err, modem.ErrSIMPinRequired) {
			return nil, err
		}
		logger.Warn("Modem not ready", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// superviseModem runs the modem loop and reconnects the transport whenever
// the loop stops on a fault. Commands queued meanwhile wait for the next
// loop.
func superviseModem(ctx context.Context, m *modem.Modem, logger *zap.Logger) error {
	for {
		err := m.Loop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("Modem loop stopped", zap.Error(err))

		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if err := m.Reconnect(ctx); err != nil {
				logger.Warn("Modem reconnect failed", zap.Error(err), zap.Duration("retry_in", backoff))
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			break
		}
	}
}

func pruneJournal(ctx context.Context, j *journal.Journal, retention time.Duration, clock clockwork.Clock, logger *zap.Logger) error {
	ticker := clock.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.Chan():
			n, err := j.Prune(ctx, now.Add(-retention))
			if err != nil {
				logger.Warn("Failed to prune journal", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("Journal pruned", zap.Int64("removed", n))
			}
		}
	}
}
