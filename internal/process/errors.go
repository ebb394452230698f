package process

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start when another supervisor holds the
	// instance lock for the same PID file, or when this Process already runs.
	// Supervisors also wrap it when the PID file names a live instance.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrNotExecutable marks a resolved script that lacks execute permission.
	ErrNotExecutable = errors.New("not an executable regular file")
)

// LaunchError reports that the child could not be started. No PID file is
// left behind when Start returns one.
type LaunchError struct {
	Name string
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("launch %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("launch %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// PIDFileError reports a PID file that could not be written or removed.
// The child keeps running.
type PIDFileError struct {
	Path string
	PID  int
	Err  error
}

func (e *PIDFileError) Error() string {
	return fmt.Sprintf("pid file %s (pid %d): %v", e.Path, e.PID, e.Err)
}

func (e *PIDFileError) Unwrap() error { return e.Err }

// LogSinkError reports a failed write to a log destination.
type LogSinkError struct {
	Name   string
	Stream string
	Err    error
}

func (e *LogSinkError) Error() string {
	return fmt.Sprintf("log sink %s/%s: %v", e.Name, e.Stream, e.Err)
}

func (e *LogSinkError) Unwrap() error { return e.Err }

// UnexpectedExit is recorded when the child terminates without a stop request.
type UnexpectedExit struct {
	Name   string
	PID    int
	Code   int
	Signal string
	Uptime time.Duration
}

func (e *UnexpectedExit) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s (pid %d) killed by signal %s after %s", e.Name, e.PID, e.Signal, e.Uptime.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s (pid %d) exited with code %d after %s", e.Name, e.PID, e.Code, e.Uptime.Round(time.Millisecond))
}
