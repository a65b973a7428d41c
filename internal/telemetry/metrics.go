// Package telemetry exports gateway activity as Prometheus metrics and
// mirrors event records to an MQTT broker.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"i4.energy/across/alarmgw/internal/events"
	"i4.energy/across/alarmgw/internal/relay"
	"i4.energy/across/alarmgw/modem"
)

// Metrics implements modem.Observer and events.Handler. A nil *Metrics
// records nothing.
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	records         *prometheus.CounterVec
	relayOutputs    *prometheus.GaugeVec
	lastContact     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmgw_modem_commands_total",
			Help: "AT commands completed, by verb and result.",
		}, []string{"verb", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alarmgw_modem_command_duration_seconds",
			Help:    "Time from writing an AT command to its final result.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"verb"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmgw_modem_notifications_total",
			Help: "Unsolicited modem notifications, by kind.",
		}, []string{"kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmgw_events_total",
			Help: "Gateway events, by kind.",
		}, []string{"kind"}),
		relayOutputs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alarmgw_relay_output",
			Help: "Applied relay output level, 1 for on.",
		}, []string{"output"}),
		lastContact: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alarmgw_last_contact_timestamp_seconds",
			Help: "Unix time of the last confirmed remote contact.",
		}),
	}
	reg.MustRegister(m.commands, m.commandDuration, m.notifications, m.records, m.relayOutputs, m.lastContact)
	return m
}

func (m *Metrics) ObserveCommand(verb string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb, result(err)).Inc()
	m.commandDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveEvent(kind modem.EventKind) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind.String()).Inc()
}

// Handle counts rec and tracks relay levels from relay records.
func (m *Metrics) Handle(_ context.Context, rec events.Record) error {
	if m == nil {
		return nil
	}
	m.records.WithLabelValues(string(rec.Kind)).Inc()
	switch rec.Kind {
	case events.KindRelay, events.KindWatchdog:
		for i := range relay.Outputs {
			v := 0.0
			if i < len(rec.Code) && rec.Code[i] == '1' {
				v = 1
			}
			m.relayOutputs.WithLabelValues(strconv.Itoa(i)).Set(v)
		}
	case events.KindConfirmed, events.KindInbound:
		m.lastContact.Set(float64(rec.At.Unix()))
	}
	return nil
}

func result(err error) string {
	var terr *modem.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, modem.ErrTimeout):
		return "timeout"
	case errors.Is(err, modem.ErrRejected):
		return "rejected"
	case errors.As(err, &terr):
		return "transport"
	}
	return "error"
}
