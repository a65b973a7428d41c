package modem

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/alarmgw/at"
)

// EventKind classifies unsolicited modem notifications.
type EventKind int

const (
	IncomingCall EventKind = iota
	IncomingSMS
	DTMF
	NetworkTime
	// CallConnected reports that the far end answered an outbound call.
	CallConnected
	// CallEnded reports NO CARRIER, BUSY, NO ANSWER or NO DIALTONE.
	CallEnded
	Other
)

// EventKinds lists every kind, in declaration order.
var EventKinds = []EventKind{IncomingCall, IncomingSMS, DTMF, NetworkTime, CallConnected, CallEnded, Other}

func (k EventKind) String() string {
	switch k {
	case IncomingCall:
		return "incoming_call"
	case IncomingSMS:
		return "incoming_sms"
	case DTMF:
		return "dtmf"
	case NetworkTime:
		return "network_time"
	case CallConnected:
		return "call_connected"
	case CallEnded:
		return "call_ended"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// Event is a parsed unsolicited notification. Only the fields relevant to
// Kind are set; Raw always holds the original line.
type Event struct {
	Kind EventKind
	// Caller is the number reported by +CLIP. A bare RING leaves it empty.
	Caller string
	// Index is the storage slot of a new message.
	Index  int
	Digits string
	Time   time.Time
	Raw    string
}

// ParseEvent turns a line classified as unsolicited into an Event. Lines
// that match a known prefix but fail to parse become Other.
func ParseEvent(line string) Event {
	ev := Event{Kind: Other, Raw: line}

	switch {
	case line == at.UrcCall:
		ev.Kind = IncomingCall

	case strings.HasPrefix(line, at.UrcCallerID):
		if caller, err := at.ParseCallerID(line); err == nil {
			ev.Kind, ev.Caller = IncomingCall, caller
		}

	case strings.HasPrefix(line, at.UrcNewMsg):
		if index, err := at.ParseNewMessage(line); err == nil {
			ev.Kind, ev.Index = IncomingSMS, index
		}

	case strings.HasPrefix(line, at.UrcDTMF):
		if digits, err := at.ParseDTMF(line); err == nil {
			ev.Kind, ev.Digits = DTMF, digits
		}

	case strings.HasPrefix(line, at.UrcNetworkTime):
		if t, err := at.ParseNetworkTime(line); err == nil {
			ev.Kind, ev.Time = NetworkTime, t
		}

	case line == at.UrcMoConnected:
		ev.Kind = CallConnected

	case line == at.NoCarrier, line == at.Busy, line == at.NoAnswer, line == at.NoDialtone:
		ev.Kind = CallEnded
	}

	return ev
}

// Router hands events to one subscriber per kind through bounded queues.
//
// Subscribe may be called from any goroutine. stage, flush and saturated
// are called by the Loop only; events that do not fit a full queue wait in
// a per-kind staging list so that nothing is dropped and per-kind order is
// kept.
type Router struct {
	depth  int
	logger *zap.Logger

	mu   sync.Mutex
	subs map[EventKind]chan Event

	staged map[EventKind][]Event
}

func newRouter(depth int, logger *zap.Logger) *Router {
	return &Router{
		depth:  depth,
		logger: logger,
		subs:   make(map[EventKind]chan Event),
		staged: make(map[EventKind][]Event),
	}
}

// Subscribe returns the queue of events of the given kind. Each kind has at
// most one subscriber. The channel is never closed.
func (r *Router) Subscribe(kind EventKind) (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[kind]; ok {
		return nil, ErrAlreadySubscribed
	}
	ch := make(chan Event, r.depth)
	r.subs[kind] = ch
	return ch, nil
}

func (r *Router) subscriber(kind EventKind) chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[kind]
}

// stage queues ev for delivery. It reports false when nobody subscribed to
// the kind, in which case the event is discarded.
func (r *Router) stage(ev Event) bool {
	if r.subscriber(ev.Kind) == nil {
		return false
	}
	r.staged[ev.Kind] = append(r.staged[ev.Kind], ev)
	return true
}

// flush moves staged events into subscriber queues while they have room and
// returns how many events are still staged.
func (r *Router) flush() int {
	remaining := 0
	for kind, events := range r.staged {
		ch := r.subscriber(kind)
		sent := 0
	send:
		for _, ev := range events {
			select {
			case ch <- ev:
				sent++
			default:
				break send
			}
		}
		if sent == len(events) {
			delete(r.staged, kind)
			continue
		}
		r.staged[kind] = events[sent:]
		remaining += len(events) - sent
	}
	return remaining
}

// saturated reports whether some kind has staged a full queue's worth of
// events. The Loop stops reading the wire while idle and saturated.
func (r *Router) saturated() bool {
	for _, events := range r.staged {
		if len(events) >= r.depth {
			return true
		}
	}
	return false
}
