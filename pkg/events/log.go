package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Sink receives every committed event, in order. Sink errors are reported but
// never block or fail the append: the in-memory log is authoritative.
type Sink interface {
	Write(e *Event) error
}

// Log is the in-memory authoritative event log with sink and tailer fan-out.
type Log struct {
	mu      sync.RWMutex
	events  []*Event
	lastNum uint64
	sinks   []Sink
	tailers []chan *Event
	logger  *slog.Logger
}

// NewLog creates an empty log.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "events")}
}

// AddSink attaches a durable sink. Must be called before the world starts.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append commits an event. The event number must already be assigned and must
// be greater than every previously committed number.
func (l *Log) Append(e *Event) error {
	if e.Number == 0 {
		return fmt.Errorf("event has no number")
	}
	hash, err := hashPayload(e.Payload)
	if err != nil {
		return err
	}
	e.PayloadHash = hash

	l.mu.Lock()
	if e.Number <= l.lastNum {
		l.mu.Unlock()
		return fmt.Errorf("event number %d not increasing (last %d)", e.Number, l.lastNum)
	}
	l.lastNum = e.Number
	l.events = append(l.events, e)
	sinks := l.sinks
	tailers := l.tailers
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Write(e); err != nil {
			l.logger.Error("event sink write failed", "event_number", e.Number, "error", err)
		}
	}
	for _, ch := range tailers {
		select {
		case ch <- e:
		default:
			// Tailer delivery is best-effort; a slow dashboard never
			// stalls the kernel.
		}
	}
	return nil
}

// Tail returns a buffered channel that receives every event committed after
// the call. Slow consumers lose events rather than blocking the log.
func (l *Log) Tail(buffer int) <-chan *Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan *Event, buffer)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tailers = append(l.tailers, ch)
	return ch
}

// Get returns the event with the given number, or nil.
func (l *Log) Get(number uint64) *Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// Event numbers are dense in practice but not guaranteed to be: scan
	// from the end, which is where lookups concentrate.
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Number == number {
			return l.events[i]
		}
		if l.events[i].Number < number {
			return nil
		}
	}
	return nil
}

// Range returns events with numbers in [start, end], in order.
func (l *Log) Range(start, end uint64) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Event
	for _, e := range l.events {
		if e.Number >= start && e.Number <= end {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns the most recent n events, oldest first.
func (l *Log) Recent(n int) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]*Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// LastNumber returns the highest committed event number.
func (l *Log) LastNumber() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastNum
}

// Len returns the number of committed events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
