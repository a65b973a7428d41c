package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/alarmgw/internal/alarm"
	"i4.energy/across/alarmgw/internal/comms"
	"i4.energy/across/alarmgw/internal/events"
	"i4.energy/across/alarmgw/internal/relay"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type deliveryStatus interface {
	Status() comms.Status
}

type relayState interface {
	State() relay.State
}

type alarmState interface {
	Current() (alarm.Code, bool)
}

type eventLog interface {
	Recent(ctx context.Context, limit int) ([]events.Record, error)
}

// Server exposes the gateway state over HTTP. Events may be nil when the
// journal is disabled.
type Server struct {
	Logger   *zap.Logger
	Delivery deliveryStatus
	Relays   relayState
	Alarm    alarmState
	Contact  *relay.Contact
	Events   eventLog
	Metrics  http.Handler
	Now      func() time.Time

	once sync.Once
	mux  *http.ServeMux
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() {
		s.mux = http.NewServeMux()
		s.mux.HandleFunc("GET /status", s.handleStatus)
		s.mux.HandleFunc("GET /events", s.handleEvents)
		if s.Metrics != nil {
			s.mux.Handle("GET /metrics", s.Metrics)
		}
	})
	s.mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	s.sendJSON(w, resp, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Debug("Failed to write response", zap.Error(err))
	}
}

type sessionView struct {
	Mode        string    `json:"mode"`
	Code        string    `json:"code"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
}

type statusView struct {
	Alarm struct {
		Code  string `json:"code,omitempty"`
		Ready bool   `json:"ready"`
	} `json:"alarm"`
	Relays struct {
		State string `json:"state"`
		Mask  uint32 `json:"mask"`
	} `json:"relays"`
	Contact struct {
		Last       time.Time `json:"last"`
		AgeSeconds float64   `json:"age_seconds"`
	} `json:"contact"`
	Delivery struct {
		Phase       string       `json:"phase"`
		Destination string       `json:"destination,omitempty"`
		Session     *sessionView `json:"session,omitempty"`
		InboundCall bool         `json:"inbound_call"`
	} `json:"delivery"`
	NetworkTime time.Time `json:"network_time,omitzero"`
	TimeSynced  bool      `json:"time_synced"`
}

// handleStatus reports the alarm, relay and delivery snapshots
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var v statusView

	if code, ok := s.Alarm.Current(); ok {
		v.Alarm.Code, v.Alarm.Ready = code.String(), true
	}

	state := s.Relays.State()
	v.Relays.State, v.Relays.Mask = state.String(), state.Mask()

	last := s.Contact.Last()
	v.Contact.Last = last
	v.Contact.AgeSeconds = s.now().Sub(last).Seconds()

	st := s.Delivery.Status()
	v.Delivery.Phase = st.Phase.String()
	v.Delivery.Destination = st.Destination
	v.Delivery.InboundCall = st.InboundCall
	if st.Session != nil {
		v.Delivery.Session = &sessionView{
			Mode:        string(st.Session.Mode),
			Code:        st.Session.Code.String(),
			Attempts:    st.Session.Attempts,
			LastAttempt: st.Session.LastAttempt,
		}
	}
	v.NetworkTime, v.TimeSynced = st.NetworkTime, st.TimeSynced

	s.sendJSON(w, v, http.StatusOK)
}

// handleEvents lists journal records, newest first
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		s.sendError(w, "event journal is disabled", http.StatusNotFound)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	records, err := s.Events.Recent(r.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to read journal", zap.Error(err))
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	s.sendJSON(w, records, http.StatusOK)
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
