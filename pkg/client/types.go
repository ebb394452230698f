package client

import "time"

// StartRequest registers and starts an app. Field names follow the
// ecosystem file keys; durations travel as nanoseconds.
type StartRequest struct {
	Name            string            `json:"name"`
	Script          string            `json:"script"`
	Args            []string          `json:"args,omitempty"`
	Interpreter     string            `json:"interpreter,omitempty"`
	InterpreterArgs []string          `json:"interpreter_args,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	PIDFile         string            `json:"pid_file,omitempty"`
	LogDateFormat   string            `json:"log_date_format,omitempty"`
	OutFile         string            `json:"out_file,omitempty"`
	ErrorFile       string            `json:"error_file,omitempty"`
	AutoRestart     bool              `json:"autorestart"`
	RestartDelay    time.Duration     `json:"restart_delay,omitempty"`
	MaxRestarts     int               `json:"max_restarts,omitempty"`
	KillTimeout     time.Duration     `json:"kill_timeout,omitempty"`
}

// StopRequest represents a request to stop an app
type StopRequest struct {
	Name string
	Wait time.Duration
}

// ProcessStatus represents the status of a single app
type ProcessStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	Restarts   int       `json:"restarts"`
	LastError  string    `json:"last_error,omitempty"`
	DetectedBy string    `json:"detected_by,omitempty"`
}

// Health is the daemon's summary of all apps.
type Health struct {
	OK      bool           `json:"ok"`
	Apps    int            `json:"apps"`
	Running int            `json:"running"`
	States  map[string]int `json:"states"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
