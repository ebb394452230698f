package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/loykin/tether/internal/env"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
)

var (
	ErrUnknownProcess    = errors.New("unknown process")
	ErrAlreadyRegistered = errors.New("process already registered")
	ErrShutdown          = errors.New("manager is shut down")
)

// EventLogSinkError is reported on Events only; it is not sent to history.
const EventLogSinkError history.EventType = "log_sink_error"

// Event is one lifecycle notification from a supervisor.
type Event struct {
	Type   history.EventType `json:"type"`
	Name   string            `json:"name"`
	Time   time.Time         `json:"time"`
	Status process.Status    `json:"status"`
	Err    error             `json:"-"`
}

// OutputFactory builds the log sinks for an app. It is called once per
// registration; the sinks are shared by every run of the app.
type OutputFactory func(process.Spec) (*logger.Outputs, error)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithEnv sets the global environment layered under each app's env.
func WithEnv(e *env.Env) Option { return func(m *Manager) { m.envM = e } }

// WithHistory sends lifecycle events to r.
func WithHistory(r *history.Recorder) Option { return func(m *Manager) { m.hist = r } }

// WithLogConfig builds app sinks from cfg, publishing to pub when non-nil.
func WithLogConfig(cfg logger.Config, pub *logger.MQTTPublisher) Option {
	return func(m *Manager) {
		m.outputs = func(s process.Spec) (*logger.Outputs, error) {
			return cfg.Outputs(s.Name, logger.AppLog{OutFile: s.OutFile, ErrorFile: s.ErrorFile, Merge: s.MergeLogs}, pub)
		}
	}
}

// WithOutputFactory overrides how app sinks are built.
func WithOutputFactory(f OutputFactory) Option { return func(m *Manager) { m.outputs = f } }

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option { return func(m *Manager) { m.eventBuf = n } }

// Manager owns one supervisor per registered app.
type Manager struct {
	mu       sync.RWMutex
	log      *slog.Logger
	envM     *env.Env
	hist     *history.Recorder
	outputs  OutputFactory
	eventBuf int

	entries map[string]*supervisor
	events  chan Event
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:      slog.Default(),
		envM:     env.New(),
		eventBuf: 64,
		entries:  make(map[string]*supervisor),
	}
	for _, o := range opts {
		o(m)
	}
	if m.outputs == nil {
		WithLogConfig(logger.Config{}, nil)(m)
	}
	m.events = make(chan Event, m.eventBuf)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Events delivers lifecycle events. Events are dropped when nobody reads
// and the buffer is full. The channel is closed by Shutdown.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(typ history.EventType, st process.Status, err error) {
	now := time.Now()
	if typ != EventLogSinkError {
		rec := history.Record{
			Name:      st.Name,
			PID:       st.PID,
			State:     string(st.State),
			ExitCode:  st.ExitCode,
			Signal:    st.Signal,
			Restarts:  st.Restarts,
			StartedAt: st.StartedAt,
			StoppedAt: st.StoppedAt,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		m.hist.Record(history.Event{Type: typ, OccurredAt: now.UTC(), Record: rec})
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- Event{Type: typ, Name: st.Name, Time: now, Status: st, Err: err}:
	default:
		m.log.Debug("event buffer full; dropping", "event", typ, "name", st.Name)
	}
}

// Register validates spec and creates its supervisor. Nothing is started.
func (m *Manager) Register(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	out, err := m.outputs(spec)
	if err != nil {
		return fmt.Errorf("app %q: log sinks: %w", spec.Name, err)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = out.Close()
		return ErrShutdown
	}
	if _, ok := m.entries[spec.Name]; ok {
		m.mu.Unlock()
		_ = out.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, spec.Name)
	}
	s := newSupervisor(m, spec, out)
	m.entries[spec.Name] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		s.run(m.ctx)
	}()
	metrics.SetState(spec.Name, string(process.StateStopped))
	return nil
}

func (m *Manager) get(name string) (*supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrShutdown
	}
	s, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return s, nil
}

// Start launches name. Starting a running app is a no-op. A manual start
// clears the errored state.
func (m *Manager) Start(ctx context.Context, name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.send(ctx, ctrlMsg{typ: ctrlStart, ctx: ctx})
}

// Stop stops name, escalating to SIGKILL after grace (zero uses the app's
// kill_timeout). Stopping a stopped app is a no-op.
func (m *Manager) Stop(name string, grace time.Duration) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.send(context.Background(), ctrlMsg{typ: ctrlStop, grace: grace})
}

// Restart stops name if running and starts it again.
func (m *Manager) Restart(ctx context.Context, name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.send(ctx, ctrlMsg{typ: ctrlRestart, ctx: ctx})
}

// Status returns the current status of name.
func (m *Manager) Status(name string) (process.Status, error) {
	s, err := m.get(name)
	if err != nil {
		return process.Status{}, err
	}
	return s.status(), nil
}

// StatusAll returns every app's status ordered by name.
func (m *Manager) StatusAll() []process.Status {
	m.mu.RLock()
	sups := make([]*supervisor, 0, len(m.entries))
	for _, s := range m.entries {
		sups = append(sups, s)
	}
	m.mu.RUnlock()
	out := make([]process.Status, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Spec returns the registered spec of name.
func (m *Manager) Spec(name string) (process.Spec, error) {
	s, err := m.get(name)
	if err != nil {
		return process.Spec{}, err
	}
	return s.currentSpec(), nil
}

// PIDs maps running apps to their PID, for resource sampling.
func (m *Manager) PIDs() map[string]int32 {
	out := map[string]int32{}
	for _, st := range m.StatusAll() {
		if st.Running && st.PID > 0 {
			out[st.Name] = int32(st.PID)
		}
	}
	return out
}

// Remove stops name and forgets it.
func (m *Manager) Remove(name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	err = s.send(context.Background(), ctrlMsg{typ: ctrlShutdown})
	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
	metrics.Forget(name)
	return err
}

// StartAll starts every registered app and joins the errors.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, st := range m.StatusAll() {
		if err := m.Start(ctx, st.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyConfig reconciles the registry with specs: unknown apps are
// registered and started, apps no longer listed are stopped and removed,
// and apps whose spec changed are restarted with the new spec.
func (m *Manager) ApplyConfig(ctx context.Context, specs []process.Spec) error {
	want := make(map[string]process.Spec, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := want[s.Name]; dup {
			return fmt.Errorf("duplicate app name %q", s.Name)
		}
		want[s.Name] = s
	}

	m.mu.RLock()
	var stale []string
	for name := range m.entries {
		if _, ok := want[name]; !ok {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, name := range stale {
		if err := m.Remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, spec := range specs {
		s, err := m.get(spec.Name)
		if errors.Is(err, ErrUnknownProcess) {
			if err := m.Register(spec); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.Start(ctx, spec.Name); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if reflect.DeepEqual(s.currentSpec(), spec) {
			continue
		}
		if err := s.send(ctx, ctrlMsg{typ: ctrlUpdate, ctx: ctx, spec: spec}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every app in parallel and waits until they are down or
// ctx is done. Events is closed afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sups := make([]*supervisor, 0, len(m.entries))
	for _, s := range m.entries {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(sups))
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervisor) {
			defer wg.Done()
			if err := s.send(ctx, ctrlMsg{typ: ctrlShutdown}); err != nil {
				errCh <- fmt.Errorf("%s: %w", s.name, err)
			}
		}(s)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); m.cancel(); m.wg.Wait(); close(done) }()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		err = ctx.Err()
	}
	var errs []error
drain:
	for {
		select {
		case e := <-errCh:
			errs = append(errs, e)
		default:
			break drain
		}
	}
	if err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return errors.Join(errs...)
}
