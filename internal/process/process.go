package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/tether/internal/logger"
)

// drainTimeout bounds how long log streams may outlive the child. Processes
// forked by the child can hold the pipes open after it exits.
const drainTimeout = 2 * time.Second

// killWait bounds the wait after SIGKILL.
const killWait = 5 * time.Second

// Option customizes a Process.
type Option func(*Process)

// WithOutput sets the sinks for stdout and stderr lines. Passing the same
// writer twice is allowed; writes are serialized.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(p *Process) { p.stdout, p.stderr = stdout, stderr }
}

// WithEnv sets the complete child environment.
func WithEnv(env []string) Option { return func(p *Process) { p.env = env } }

// WithLogger sets the supervisor's own logger.
func WithLogger(l *slog.Logger) Option { return func(p *Process) { p.log = l } }

// WithClock overrides the time source used for log timestamps.
func WithClock(now func() time.Time) Option { return func(p *Process) { p.now = now } }

// WithRestarts seeds the restart counter reported by Status.
func WithRestarts(n int) Option { return func(p *Process) { p.restarts = n } }

// WithSinkErrorHandler receives every *LogSinkError.
func WithSinkErrorHandler(fn func(error)) Option { return func(p *Process) { p.onSinkErr = fn } }

// WithExitHandler is called once from the monitor goroutine after the exit
// status is recorded and before Done is closed.
func WithExitHandler(fn func(ExitStatus)) Option { return func(p *Process) { p.onExit = fn } }

// Process is a single run of a Spec: one child, one PID, one exit.
// Restarts are modelled as new Process values.
type Process struct {
	spec      Spec
	env       []string
	stdout    io.Writer
	stderr    io.Writer
	log       *slog.Logger
	now       func() time.Time
	onSinkErr func(error)
	onExit    func(ExitStatus)
	restarts  int

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	exit     ExitStatus
	stopReq  bool
	lock     *instanceLock
	started  bool
	readers  []*os.File
	streams  sync.WaitGroup
	exitOnce sync.Once
	done     chan struct{}
}

// New prepares a Process for spec. Nothing is launched until Start.
func New(spec Spec, opts ...Option) *Process {
	p := &Process{
		spec:   spec,
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    slog.Default(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.stdout, p.stderr = logger.Serialize(p.stdout, p.stderr)
	p.status = Status{Name: spec.Name, State: StateStopped, ExitCode: -1, Restarts: p.restarts}
	return p
}

// Spec returns the spec this run was built from.
func (p *Process) Spec() Spec { return p.spec }

// Start resolves and launches the child, writes the PID file and starts the
// log streams and the exit monitor. A *LaunchError means nothing is running.
// A *PIDFileError means the child is running but its PID could not be
// recorded.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &LaunchError{Name: p.spec.Name, Err: err}
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return &LaunchError{Name: p.spec.Name, Err: ErrAlreadyRunning}
	}
	p.started = true
	p.status.State = StateStarting
	p.mu.Unlock()

	cmd, err := p.launch()
	if err != nil {
		p.mu.Lock()
		p.status.State = StateErrored
		p.status.LastError = err.Error()
		p.status.StoppedAt = p.now()
		p.mu.Unlock()
		close(p.done)
		return err
	}

	pid := cmd.Process.Pid
	p.log.Info("process started", "name", p.spec.Name, "pid", pid, "argv", p.spec.Argv())

	var pidErr error
	if werr := WritePIDFile(p.spec.PIDFile, pid); werr != nil {
		pidErr = &PIDFileError{Path: p.spec.PIDFile, PID: pid, Err: werr}
		p.log.Warn("pid file write failed", "name", p.spec.Name, "error", werr)
		p.mu.Lock()
		p.status.LastError = pidErr.Error()
		p.mu.Unlock()
	}

	go p.monitor(cmd)
	return pidErr
}

func (p *Process) launch() (*exec.Cmd, error) {
	bin, err := p.spec.ResolveExecutable()
	if err != nil {
		return nil, &LaunchError{Name: p.spec.Name, Path: p.spec.Script, Err: err}
	}
	lock, err := acquireInstanceLock(p.spec.PIDFile)
	if errors.Is(err, ErrAlreadyRunning) {
		return nil, &LaunchError{Name: p.spec.Name, Path: bin, Err: err}
	}
	if err != nil {
		// an unwritable pid directory must not keep the program down
		p.log.Warn("instance lock unavailable", "name", p.spec.Name, "error", err)
		lock = nil
	}

	cmd := p.spec.BuildCommand(bin)
	if p.env != nil {
		cmd.Env = p.env
	}
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		lock.release()
		return nil, &LaunchError{Name: p.spec.Name, Path: bin, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		lock.release()
		return nil, &LaunchError{Name: p.spec.Name, Path: bin, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		lock.release()
		return nil, &LaunchError{Name: p.spec.Name, Path: bin, Err: err}
	}
	// The child owns the write ends now; EOF arrives once it and its
	// descendants close them.
	closeAll(outW, errW)

	p.mu.Lock()
	p.cmd = cmd
	p.lock = lock
	p.readers = []*os.File{outR, errR}
	p.status.State = StateRunning
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = p.now()
	p.mu.Unlock()

	stamper := logger.NewStamper(p.spec.LogDateFormat).WithClock(p.now)
	p.streams.Add(2)
	go p.stream("stdout", outR, p.stdout, stamper)
	go p.stream("stderr", errR, p.stderr, stamper)
	return cmd, nil
}

func (p *Process) stream(name string, r io.Reader, w io.Writer, st logger.Stamper) {
	defer p.streams.Done()
	err := logger.CopyLines(r, w, st, func(werr error) {
		serr := &LogSinkError{Name: p.spec.Name, Stream: name, Err: werr}
		p.mu.Lock()
		p.status.LastError = serr.Error()
		p.mu.Unlock()
		if p.onSinkErr != nil {
			p.onSinkErr(serr)
		}
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Debug("log stream ended", "name", p.spec.Name, "stream", name, "error", err)
	}
}

// monitor is the only caller of cmd.Wait.
func (p *Process) monitor(cmd *exec.Cmd) {
	werr := cmd.Wait()
	p.exitOnce.Do(func() { p.recordExit(cmd, werr) })

	drained := make(chan struct{})
	go func() { p.streams.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		p.log.Debug("log streams still open after exit; closing", "name", p.spec.Name)
	}
	p.mu.Lock()
	readers := p.readers
	p.readers = nil
	lock := p.lock
	p.lock = nil
	exit := p.exit
	p.mu.Unlock()
	closeAll(readers...)

	if err := RemovePIDFile(p.spec.PIDFile, exit.PID); err != nil {
		p.log.Warn("pid file remove failed", "name", p.spec.Name, "error", err)
	}
	lock.release()

	if p.onExit != nil {
		p.onExit(exit)
	}
	close(p.done)
}

func (p *Process) recordExit(cmd *exec.Cmd, werr error) {
	code, sig := exitDetails(cmd.ProcessState)
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.exit = ExitStatus{
		PID:       p.status.PID,
		Code:      code,
		Signal:    sig,
		Err:       werr,
		StartedAt: p.status.StartedAt,
		StoppedAt: now,
		Requested: p.stopReq,
	}
	p.status.Running = false
	p.status.State = StateStopped
	p.status.StoppedAt = now
	p.status.ExitCode = code
	p.status.Signal = sig
	if !p.stopReq {
		ue := &UnexpectedExit{Name: p.spec.Name, PID: p.exit.PID, Code: code, Signal: sig, Uptime: p.exit.Uptime()}
		p.exit.Err = ue
		p.status.LastError = ue.Error()
		p.log.Warn("process exited unexpectedly", "name", p.spec.Name, "pid", p.exit.PID, "code", code, "signal", sig)
	} else {
		p.log.Info("process stopped", "name", p.spec.Name, "pid", p.exit.PID, "code", code, "signal", sig)
	}
}

// Done is closed once the exit is recorded and the PID file is cleaned up.
// For a run that failed to launch it is closed by Start.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the run ends or ctx is done.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Stop sends the configured graceful signal to the child's process group,
// waits up to grace, then sends SIGKILL. A grace of zero uses the spec's
// kill_timeout. Stopping a run that is not running is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.cmd == nil || !p.status.Running {
		p.mu.Unlock()
		return nil
	}
	p.stopReq = true
	p.status.State = StateStopping
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	if grace <= 0 {
		grace = p.spec.StopGrace()
	}
	sig, err := ParseSignal(p.spec.StopSignalName())
	if err != nil {
		return err
	}
	if err := signalGroup(pid, sig); err != nil {
		p.log.Warn("stop signal failed", "name", p.spec.Name, "pid", pid, "error", err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}

	p.log.Warn("grace period elapsed; killing", "name", p.spec.Name, "pid", pid, "grace", grace)
	if err := killGroup(pid); err != nil {
		p.log.Warn("kill failed", "name", p.spec.Name, "pid", pid, "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return errors.New("process did not exit after SIGKILL")
	}
}

// Signal delivers sig to the child's process group.
func (p *Process) Signal(name string) error {
	sig, err := ParseSignal(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.cmd == nil || !p.status.Running {
		p.mu.Unlock()
		return nil
	}
	pid := p.cmd.Process.Pid
	p.mu.Unlock()
	return signalGroup(pid, sig)
}

// Status returns a snapshot of the run.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	if st.Running {
		if processAlive(st.PID) {
			st.DetectedBy = "exec:pid"
		} else {
			st.DetectedBy = ""
		}
	}
	return st
}

// StopRequested reports whether Stop was called for this run.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopReq
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		if f != nil {
			_ = f.Close()
		}
	}
}
