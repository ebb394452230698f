package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"
	EventStop         EventType = "stop"
	EventExit         EventType = "exit"
	EventRestart      EventType = "restart"
	EventErrored      EventType = "errored"
	EventLaunchFailed EventType = "launch_failed"
)

// Record is the state of one managed program at the time of an event.
type Record struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	ExitCode  int       `json:"exit_code"`
	Signal    string    `json:"signal,omitempty"`
	Error     string    `json:"error,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds the events buffered for slow sinks.
const DefaultQueueSize = 256

const sendTimeout = 5 * time.Second

// Recorder delivers events to sinks from a single background goroutine so
// that supervisors never block on a slow database. When the queue is full
// new events are dropped and counted.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	ch      chan Event
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRecorder starts delivery to sinks. A Recorder without sinks accepts and
// discards events.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{sinks: sinks, log: log, ch: make(chan Event, DefaultQueueSize)}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "event", e.Type, "name", e.Record.Name, "error", err)
			}
			cancel()
		}
	}
}

// Record queues e for delivery.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.sinks) == 0 {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped++
		r.log.Warn("history queue full; dropping event", "event", e.Type, "name", e.Record.Name, "dropped", r.dropped)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes queued events, waiting at most until ctx is done, and then
// closes sinks implementing io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
