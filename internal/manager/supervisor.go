package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/tether/internal/detector"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/watch"
)

// reapTimeout bounds the wait for a stopped run's monitor to finish.
const reapTimeout = 10 * time.Second

// supervisor owns every run of one app and applies its restart and watch
// policies. All lifecycle work happens on the run goroutine; mu only guards
// the fields read by status.
type supervisor struct {
	m    *Manager
	name string
	out  *logger.Outputs

	ctrl    chan ctrlMsg
	quit    chan struct{}
	watchCh chan []string

	mu       sync.Mutex
	spec     process.Spec
	cur      *process.Process
	restarts int
	errored  bool
	lastErr  string
	pending  bool

	// run goroutine only
	curDone   <-chan struct{}
	unstable  int
	state     process.State
	timer     *time.Timer
	timerC    <-chan time.Time
	stopWatch context.CancelFunc
}

func newSupervisor(m *Manager, spec process.Spec, out *logger.Outputs) *supervisor {
	return &supervisor{
		m:       m,
		name:    spec.Name,
		out:     out,
		spec:    spec,
		ctrl:    make(chan ctrlMsg),
		quit:    make(chan struct{}),
		watchCh: make(chan []string, 1),
		state:   process.StateStopped,
	}
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.quit)
	for {
		select {
		case <-ctx.Done():
			_ = s.shutdown()
			return

		case msg := <-s.ctrl:
			err := s.handle(ctx, msg)
			msg.reply <- err
			if msg.typ == ctrlShutdown {
				return
			}

		case <-s.curDone:
			if es, ok := s.reap(); ok {
				s.afterExit(es)
			}

		case <-s.timerC:
			s.timerC = nil
			s.setPending(false)
			s.bump("policy")
			_ = s.launch(ctx, ctx)

		case paths := <-s.watchCh:
			if !s.running() {
				continue
			}
			s.m.log.Info("change detected; restarting", "name", s.name, "paths", paths)
			if err := s.stopCurrent(0); err != nil {
				s.m.log.Warn("stop before watch restart failed", "name", s.name, "error", err)
				continue
			}
			s.bump("watch")
			_ = s.launch(ctx, ctx)
		}
	}
}

func (s *supervisor) currentSpec() process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

func (s *supervisor) running() bool { return s.curDone != nil }

// launch starts a new run. loopCtx scopes the watcher, reqCtx the request.
func (s *supervisor) launch(loopCtx, reqCtx context.Context) error {
	spec := s.currentSpec()
	s.transition(process.StateStarting)
	if err := s.claimPIDFile(spec); err != nil {
		return s.launchFailed(spec, err)
	}

	s.mu.Lock()
	restarts := s.restarts
	s.mu.Unlock()
	p := process.New(spec,
		process.WithOutput(s.out.Stdout, s.out.Stderr),
		process.WithEnv(s.m.envM.Merge(spec.Env)),
		process.WithLogger(s.m.log),
		process.WithRestarts(restarts),
		process.WithSinkErrorHandler(s.onSinkError),
	)
	began := time.Now()
	err := p.Start(reqCtx)

	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()

	var le *process.LaunchError
	if errors.As(err, &le) {
		return s.launchFailed(spec, err)
	}

	s.curDone = p.Done()
	metrics.IncStart(spec.Name)
	metrics.ObserveStartDuration(spec.Name, time.Since(began).Seconds())
	s.watchStart(loopCtx)
	st := s.status()
	s.transition(st.State)
	s.m.emit(history.EventStart, st, err)
	return err
}

func (s *supervisor) launchFailed(spec process.Spec, err error) error {
	s.mu.Lock()
	s.errored = true
	s.lastErr = err.Error()
	s.mu.Unlock()
	metrics.IncLaunchFailure(spec.Name)
	s.transition(process.StateErrored)
	s.m.emit(history.EventLaunchFailed, s.status(), err)
	return err
}

// claimPIDFile refuses to launch while the PID file names the live instance
// that wrote it, e.g. a child orphaned by a crashed supervisor. A file
// naming a dead or reused PID is removed.
func (s *supervisor) claimPIDFile(spec process.Spec) error {
	stale, err := detector.InspectPIDFile(spec.PIDFile)
	if err != nil || stale == nil {
		return nil
	}
	if stale.Owner() {
		return &process.LaunchError{
			Name: spec.Name,
			Path: spec.PIDFile,
			Err:  fmt.Errorf("%w: pid %d", process.ErrAlreadyRunning, stale.PID),
		}
	}
	s.m.log.Info("removing stale pid file", "name", spec.Name, "pid_file", spec.PIDFile, "pid", stale.PID, "reused", stale.Reused)
	if err := process.RemovePIDFile(spec.PIDFile, stale.PID); err != nil {
		s.m.log.Warn("stale pid file not removed", "name", spec.Name, "pid_file", spec.PIDFile, "error", err)
	}
	return nil
}

// stopCurrent stops the live run, if any, and reaps it.
func (s *supervisor) stopCurrent(grace time.Duration) error {
	if !s.running() {
		return nil
	}
	p := s.cur
	s.transition(process.StateStopping)
	err := p.Stop(grace)
	select {
	case <-p.Done():
	case <-time.After(reapTimeout):
		return fmt.Errorf("%s: run did not finish after stop", s.name)
	}
	s.reap()
	return err
}

// reap records the end of the current run once its Done channel closed.
func (s *supervisor) reap() (process.ExitStatus, bool) {
	if s.curDone == nil {
		return process.ExitStatus{}, false
	}
	select {
	case <-s.curDone:
	default:
		return process.ExitStatus{}, false
	}
	s.curDone = nil
	es, _ := s.cur.Wait(context.Background())
	st := s.status()
	if es.Requested {
		metrics.IncStop(s.name)
		s.m.emit(history.EventStop, st, nil)
	} else {
		metrics.IncUnexpectedExit(s.name)
		s.m.emit(history.EventExit, st, es.Err)
	}
	s.transition(st.State)
	return es, true
}

// afterExit applies the restart policy to an exit nobody asked for.
func (s *supervisor) afterExit(es process.ExitStatus) {
	if es.Requested {
		return
	}
	spec := s.currentSpec()
	if !spec.AutoRestart {
		return
	}
	if es.Uptime() < spec.StableAfter() {
		s.unstable++
	} else {
		s.unstable = 0
	}
	if spec.MaxRestarts > 0 && s.unstable > spec.MaxRestarts {
		msg := fmt.Sprintf("exited %d times within %s; giving up", s.unstable, spec.StableAfter())
		s.mu.Lock()
		s.errored = true
		s.lastErr = msg
		s.mu.Unlock()
		s.m.log.Error("too many unstable restarts", "name", s.name, "restarts", s.unstable, "max_restarts", spec.MaxRestarts)
		s.watchStop()
		s.transition(process.StateErrored)
		s.m.emit(history.EventErrored, s.status(), errors.New(msg))
		return
	}
	delay := spec.Backoff()
	s.m.log.Info("restarting", "name", s.name, "delay", delay, "unstable", s.unstable)
	s.setPending(true)
	s.transition(process.StateStarting)
	if s.timer == nil {
		s.timer = time.NewTimer(delay)
	} else {
		s.timer.Reset(delay)
	}
	s.timerC = s.timer.C
}

func (s *supervisor) cancelRestart() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerC = nil
	s.setPending(false)
}

func (s *supervisor) setPending(v bool) {
	s.mu.Lock()
	s.pending = v
	s.mu.Unlock()
}

func (s *supervisor) clearErrored() {
	s.unstable = 0
	s.mu.Lock()
	s.errored = false
	s.lastErr = ""
	s.mu.Unlock()
}

func (s *supervisor) bump(cause string) {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncRestart(s.name, cause)
	s.m.emit(history.EventRestart, s.status(), nil)
}

func (s *supervisor) transition(to process.State) {
	if s.state == to {
		return
	}
	metrics.RecordStateTransition(s.name, string(s.state), string(to))
	metrics.SetState(s.name, string(to))
	s.state = to
}

func (s *supervisor) onSinkError(err error) {
	var se *process.LogSinkError
	if errors.As(err, &se) {
		metrics.IncLogSinkError(se.Name, se.Stream)
	}
	s.m.emit(EventLogSinkError, s.status(), err)
}

func (s *supervisor) watchStart(ctx context.Context) {
	spec := s.currentSpec()
	if !spec.Watch || s.stopWatch != nil {
		return
	}
	w, err := watch.New(watch.Config{
		Paths:    spec.WatchTargets(),
		Ignore:   spec.IgnoreWatch,
		Debounce: spec.Debounce(),
	}, s.m.log)
	if err != nil {
		s.m.log.Warn("watch disabled", "name", s.name, "error", err)
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	s.stopWatch = cancel
	go w.Run(wctx, func(paths []string) {
		select {
		case s.watchCh <- paths:
		default:
		}
	})
}

func (s *supervisor) watchStop() {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
}

func (s *supervisor) shutdown() error {
	s.cancelRestart()
	s.watchStop()
	err := s.stopCurrent(0)
	if cerr := s.out.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// status merges the current run with supervisor-level state.
func (s *supervisor) status() process.Status {
	s.mu.Lock()
	p, spec := s.cur, s.spec
	restarts, errored, lastErr, pending := s.restarts, s.errored, s.lastErr, s.pending
	s.mu.Unlock()

	var st process.Status
	if p == nil {
		st = process.Status{Name: s.name, State: process.StateStopped, ExitCode: -1}
	} else {
		st = p.Status()
		if st.Running {
			ds := []detector.Detector{detector.PIDDetector{PID: st.PID, NotBefore: st.StartedAt}}
			if spec.PIDFile != "" {
				ds = append(ds, detector.PIDFileDetector{PIDFile: spec.PIDFile, NotBefore: st.StartedAt})
			}
			if by, ok := detector.Probe(ds...); ok {
				st.DetectedBy = by
			}
		}
	}
	st.Restarts = restarts
	switch {
	case errored:
		st.State = process.StateErrored
		if lastErr != "" {
			st.LastError = lastErr
		}
	case pending && !st.Running:
		st.State = process.StateStarting
	}
	return st
}
