package modem

import (
	"context"
	"iter"

	"i4.energy/across/alarmgw/at"
)

const (
	readBufferSize = 256
	maxLineLength  = 1024
)

// Link frames the raw byte stream of a Transport into lines. It never
// interprets line content. A Link is not safe for concurrent use: before
// the Loop starts it belongs to the initialization code, afterwards to the
// Loop goroutine.
type Link struct {
	transport Transport
	// partial holds bytes of a line whose terminator has not arrived yet.
	partial []byte
	// pending holds complete lines framed but not yet consumed by Lines.
	pending []string
}

func NewLink(transport Transport) *Link {
	return &Link{transport: transport}
}

// WriteLine sends a command terminated with a carriage return.
func (l *Link) WriteLine(text string) error {
	return l.write(text + at.CR)
}

// WriteRaw sends text as is, e.g. an SMS body followed by Ctrl-Z.
func (l *Link) WriteRaw(text string) error {
	return l.write(text)
}

func (l *Link) write(s string) error {
	if _, err := l.transport.Write([]byte(s)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Feed appends chunk to the framing buffer and returns the complete lines
// it produced, in order. Blank lines are dropped. If the partial line grows
// beyond maxLineLength it is discarded and ErrLineTooLong is returned along
// with any lines framed before it.
func (l *Link) Feed(chunk []byte) ([]string, error) {
	l.partial = append(l.partial, chunk...)

	var lines []string
	for len(l.partial) > 0 {
		advance, token, _ := at.Splitter(l.partial, false)
		if advance == 0 {
			break
		}
		if len(token) > 0 {
			lines = append(lines, string(token))
		}
		l.partial = l.partial[advance:]
	}

	if len(l.partial) > maxLineLength {
		l.partial = nil
		return lines, ErrLineTooLong
	}
	if len(l.partial) == 0 {
		l.partial = nil
	}
	return lines, nil
}

// Discard drops any partially received line.
func (l *Link) Discard() {
	l.partial = nil
}

// Lines reads from the transport and yields framed lines until the consumer
// stops, ctx is done or the transport fails. Lines framed but not consumed
// are kept for the next call, so the sequence can be restarted for every
// command issued before the Loop runs. ctx is checked between reads only.
func (l *Link) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		buf := make([]byte, readBufferSize)
		for {
			for len(l.pending) > 0 {
				line := l.pending[0]
				l.pending = l.pending[1:]
				if !yield(line, nil) {
					return
				}
			}

			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			n, err := l.transport.Read(buf)
			if n > 0 {
				// overlong garbage is dropped by Feed
				lines, _ := l.Feed(buf[:n])
				l.pending = append(l.pending, lines...)
			}
			if err != nil {
				for len(l.pending) > 0 {
					line := l.pending[0]
					l.pending = l.pending[1:]
					if !yield(line, nil) {
						return
					}
				}
				yield("", &TransportError{Op: "read", Err: err})
				return
			}
		}
	}
}

// takePending returns and clears the lines left over by Lines.
func (l *Link) takePending() []string {
	lines := l.pending
	l.pending = nil
	return lines
}
