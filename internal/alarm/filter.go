package alarm

import "time"

// Debouncer flips a channel only after n consecutive raw classifications
// that disagree with its current state.
type Debouncer struct {
	n            int
	stable       Vector
	run          [Channels]int
	observations int
}

func NewDebouncer(n int) *Debouncer {
	if n < 1 {
		n = 1
	}
	return &Debouncer{n: n}
}

// Observe feeds one raw classification. ready is false until n
// observations have been made; channels start clear.
func (d *Debouncer) Observe(raw Vector) (stable Vector, ready bool) {
	for i := range raw {
		if raw[i] == d.stable[i] {
			d.run[i] = 0
			continue
		}
		d.run[i]++
		if d.run[i] >= d.n {
			d.stable[i] = raw[i]
			d.run[i] = 0
		}
	}
	if d.observations < d.n {
		d.observations++
	}
	return d.stable, d.observations >= d.n
}

// Deduper suppresses a code equal to the last emitted one until window has
// elapsed since that emission.
type Deduper struct {
	window  time.Duration
	last    Code
	lastAt  time.Time
	emitted bool
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{window: window}
}

func (d *Deduper) Offer(c Code, now time.Time) bool {
	if d.emitted && c == d.last && now.Sub(d.lastAt) < d.window {
		return false
	}
	d.last, d.lastAt, d.emitted = c, now, true
	return true
}
