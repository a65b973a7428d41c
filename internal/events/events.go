// Package events carries the gateway's notable occurrences to the journal,
// metrics and the MQTT mirror.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/alarmgw/internal/alarm"
	"i4.energy/across/alarmgw/internal/relay"
)

// Kind names what a record is about. It is also the MQTT topic suffix.
type Kind string

const (
	KindAlarm     Kind = "alarm"
	KindDelivery  Kind = "delivery"
	KindConfirmed Kind = "confirmed"
	KindAbandoned Kind = "abandoned"
	KindInbound   Kind = "inbound"
	KindRelay     Kind = "relay"
	KindWatchdog  Kind = "watchdog"
	KindModem     Kind = "modem"
)

// Record is one journal entry.
type Record struct {
	Kind   Kind      `json:"kind"`
	Code   string    `json:"code,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Sink consumes records. Emit must not block.
type Sink interface {
	Emit(rec Record)
}

// Handler consumes records on the fan-out goroutine.
type Handler interface {
	Handle(ctx context.Context, rec Record) error
}

type HandlerFunc func(ctx context.Context, rec Record) error

func (f HandlerFunc) Handle(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Fanout queues records and hands each one to every handler in order.
// Records are dropped when the queue is full.
type Fanout struct {
	queue    chan Record
	handlers []Handler
	logger   *zap.Logger
}

func NewFanout(depth int, logger *zap.Logger, handlers ...Handler) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		queue:    make(chan Record, depth),
		handlers: handlers,
		logger:   logger.With(zap.String("component", "events")),
	}
}

func (f *Fanout) Emit(rec Record) {
	select {
	case f.queue <- rec:
	default:
		f.logger.Warn("Event queue full, dropping record", zap.String("kind", string(rec.Kind)))
	}
}

func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-f.queue:
			for _, h := range f.handlers {
				if err := h.Handle(ctx, rec); err != nil {
					f.logger.Error("Event handler failed",
						zap.String("kind", string(rec.Kind)),
						zap.Error(err))
				}
			}
		}
	}
}

// Nop discards every record.
type Nop struct{}

func (Nop) Emit(Record) {}

// Observer turns alarm and relay callbacks into records.
type Observer struct {
	Sink Sink
	Now  func() time.Time
}

func (o Observer) ObserveAlarm(ev alarm.Event) {
	o.Sink.Emit(Record{Kind: KindAlarm, Code: ev.Code.String(), At: ev.At})
}

func (o Observer) ObserveRelay(s relay.State) {
	o.Sink.Emit(Record{Kind: KindRelay, Code: s.String(), At: o.now()})
}

func (o Observer) ObserveWatchdogTrip() {
	o.Sink.Emit(Record{Kind: KindWatchdog, Code: relay.Safe.String(), Detail: "contact bound exceeded", At: o.now()})
}

func (o Observer) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
