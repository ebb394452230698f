package process

import "time"

// State is the lifecycle state of a managed program.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateErrored  State = "errored"
)

// Status is a point-in-time snapshot safe to hand to other goroutines.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	// ExitCode is -1 while running or when the child was killed by a signal.
	ExitCode   int    `json:"exit_code"`
	Signal     string `json:"signal,omitempty"`
	Restarts   int    `json:"restarts"`
	LastError  string `json:"last_error,omitempty"`
	DetectedBy string `json:"detected_by,omitempty"`
}

// Uptime is the time since start for a running program, otherwise the
// length of the last run.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.Running || s.StoppedAt.IsZero() {
		return now.Sub(s.StartedAt)
	}
	return s.StoppedAt.Sub(s.StartedAt)
}

// ExitStatus is how a run ended.
type ExitStatus struct {
	PID       int
	Code      int
	Signal    string
	Err       error
	StartedAt time.Time
	StoppedAt time.Time
	// Requested is true when the exit followed Stop.
	Requested bool
}

// Uptime is the length of the run.
func (e ExitStatus) Uptime() time.Duration { return e.StoppedAt.Sub(e.StartedAt) }
