package detector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/loykin/tether/internal/process"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// startSlack absorbs the rounding of process start times to whole seconds
// (and clock ticks on Linux).
const startSlack = 2 * time.Second

// Probe returns the description of the first detector reporting alive.
func Probe(ds ...Detector) (string, bool) {
	for _, d := range ds {
		if d == nil {
			continue
		}
		if ok, err := d.Alive(); err == nil && ok {
			return d.Describe(), true
		}
	}
	return "", false
}

// PIDFileDetector detects a process via a PID file holding a decimal PID.
// When NotBefore is set, a process that started earlier than it is treated
// as a reused PID and reported dead.
type PIDFileDetector struct {
	PIDFile   string
	NotBefore time.Time
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, err := process.ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return PIDDetector{PID: pid, NotBefore: d.NotBefore}.Alive()
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct {
	PID       int
	NotBefore time.Time
}

func (d PIDDetector) Alive() (bool, error) {
	if !pidAlive(d.PID) {
		return false, nil
	}
	if !d.NotBefore.IsZero() {
		if start := StartTime(d.PID); !start.IsZero() && start.Before(d.NotBefore.Add(-startSlack)) {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// StartTime returns when pid started, or the zero time when unknown.
func StartTime(pid int) time.Time {
	if s := getProcStartUnix(pid); s > 0 {
		return time.Unix(s, 0)
	}
	return time.Time{}
}

// Stale describes what a leftover PID file points at. Reused is set when
// the live process started after the file was written, so the PID now
// belongs to an unrelated program.
type Stale struct {
	PID     int
	Alive   bool
	Reused  bool
	Written time.Time
}

// Owner reports whether the file still names the process that wrote it.
func (s *Stale) Owner() bool { return s != nil && s.Alive && !s.Reused }

// InspectPIDFile reads a PID file left by an earlier run. A missing file
// yields a nil *Stale.
func InspectPIDFile(path string) (*Stale, error) {
	if path == "" {
		return nil, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	pid, err := process.ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	s := &Stale{PID: pid, Alive: pidAlive(pid), Written: fi.ModTime()}
	if s.Alive {
		if start := StartTime(pid); !start.IsZero() && start.After(s.Written.Add(startSlack)) {
			s.Reused = true
		}
	}
	return s, nil
}
