package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// InterpreterNone runs the script directly instead of through an interpreter.
const InterpreterNone = "none"

const (
	DefaultKillTimeout  = 1600 * time.Millisecond
	DefaultRestartDelay = time.Second
	DefaultWatchDelay   = time.Second
	DefaultKillSignal   = "SIGTERM"
	DefaultMinUptime    = time.Second
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Spec describes one managed program as declared in an ecosystem file.
// A Spec is treated as immutable once handed to a supervisor.
type Spec struct {
	Name            string            `json:"name" mapstructure:"name" yaml:"name"`
	Script          string            `json:"script" mapstructure:"script" yaml:"script"`
	Args            []string          `json:"args,omitempty" mapstructure:"args" yaml:"args,omitempty"`
	Interpreter     string            `json:"interpreter,omitempty" mapstructure:"interpreter" yaml:"interpreter,omitempty"`
	InterpreterArgs []string          `json:"interpreter_args,omitempty" mapstructure:"interpreter_args" yaml:"interpreter_args,omitempty"`
	Cwd             string            `json:"cwd,omitempty" mapstructure:"cwd" yaml:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty" mapstructure:"env" yaml:"env,omitempty"`

	Watch       bool          `json:"watch" mapstructure:"-" yaml:"watch"`
	WatchPaths  []string      `json:"watch_paths,omitempty" mapstructure:"-" yaml:"watch_paths,omitempty"`
	IgnoreWatch []string      `json:"ignore_watch,omitempty" mapstructure:"ignore_watch" yaml:"ignore_watch,omitempty"`
	WatchDelay  time.Duration `json:"watch_delay,omitempty" mapstructure:"watch_delay" yaml:"watch_delay,omitempty"`

	PIDFile       string `json:"pid_file,omitempty" mapstructure:"pid_file" yaml:"pid_file,omitempty"`
	LogDateFormat string `json:"log_date_format,omitempty" mapstructure:"log_date_format" yaml:"log_date_format,omitempty"`
	OutFile       string `json:"out_file,omitempty" mapstructure:"out_file" yaml:"out_file,omitempty"`
	ErrorFile     string `json:"error_file,omitempty" mapstructure:"error_file" yaml:"error_file,omitempty"`
	MergeLogs     bool   `json:"merge_logs,omitempty" mapstructure:"merge_logs" yaml:"merge_logs,omitempty"`

	AutoRestart  bool          `json:"autorestart" mapstructure:"autorestart" yaml:"autorestart"`
	RestartDelay time.Duration `json:"restart_delay,omitempty" mapstructure:"restart_delay" yaml:"restart_delay,omitempty"`
	MaxRestarts  int           `json:"max_restarts,omitempty" mapstructure:"max_restarts" yaml:"max_restarts,omitempty"`
	MinUptime    time.Duration `json:"min_uptime,omitempty" mapstructure:"min_uptime" yaml:"min_uptime,omitempty"`
	KillTimeout  time.Duration `json:"kill_timeout,omitempty" mapstructure:"kill_timeout" yaml:"kill_timeout,omitempty"`
	KillSignal   string        `json:"kill_signal,omitempty" mapstructure:"kill_signal" yaml:"kill_signal,omitempty"`
}

// Validate checks the static shape of the spec. It does not touch the
// filesystem; executable resolution happens at launch.
func (s Spec) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	} else if !nameRe.MatchString(s.Name) {
		errs = append(errs, fmt.Errorf("name %q may only contain letters, digits, '.', '_' and '-'", s.Name))
	}
	if strings.TrimSpace(s.Script) == "" {
		errs = append(errs, errors.New("script is required"))
	}
	if s.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max_restarts must be >= 0, got %d", s.MaxRestarts))
	}
	for key, d := range map[string]time.Duration{
		"restart_delay": s.RestartDelay,
		"min_uptime":    s.MinUptime,
		"kill_timeout":  s.KillTimeout,
		"watch_delay":   s.WatchDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	if s.KillSignal != "" {
		if _, err := ParseSignal(s.KillSignal); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("app %q: %w", s.Name, errors.Join(errs...))
	}
	return nil
}

// Direct reports whether the script is executed without an interpreter.
func (s Spec) Direct() bool {
	i := strings.TrimSpace(s.Interpreter)
	return i == "" || i == InterpreterNone
}

// StopGrace is the wait between the graceful signal and SIGKILL.
func (s Spec) StopGrace() time.Duration {
	if s.KillTimeout > 0 {
		return s.KillTimeout
	}
	return DefaultKillTimeout
}

// Backoff is the delay before an automatic restart.
func (s Spec) Backoff() time.Duration {
	if s.RestartDelay > 0 {
		return s.RestartDelay
	}
	return DefaultRestartDelay
}

// StableAfter is the uptime after which a run no longer counts towards
// max_restarts.
func (s Spec) StableAfter() time.Duration {
	if s.MinUptime > 0 {
		return s.MinUptime
	}
	return DefaultMinUptime
}

// WatchTargets are the paths watched when watch is on: the configured list,
// or the working directory, or the script's directory.
func (s Spec) WatchTargets() []string {
	if len(s.WatchPaths) > 0 {
		out := make([]string, 0, len(s.WatchPaths))
		for _, p := range s.WatchPaths {
			if !filepath.IsAbs(p) && s.Cwd != "" {
				p = filepath.Join(s.Cwd, p)
			}
			out = append(out, p)
		}
		return out
	}
	if s.Cwd != "" {
		return []string{s.Cwd}
	}
	return []string{filepath.Dir(s.scriptPath())}
}

// Debounce is the quiet period applied to watch events.
func (s Spec) Debounce() time.Duration {
	if s.WatchDelay > 0 {
		return s.WatchDelay
	}
	return DefaultWatchDelay
}

// StopSignalName returns the configured graceful signal name.
func (s Spec) StopSignalName() string {
	if s.KillSignal == "" {
		return DefaultKillSignal
	}
	return strings.ToUpper(s.KillSignal)
}

// ResolveExecutable locates the binary that will be exec'd. For a direct
// spec that is the script itself, otherwise the interpreter, and the script
// must still exist as a regular file.
func (s Spec) ResolveExecutable() (string, error) {
	if s.Direct() {
		return resolveBinary(s.Script, s.Cwd)
	}
	bin, err := resolveBinary(s.Interpreter, s.Cwd)
	if err != nil {
		return "", err
	}
	script := s.scriptPath()
	fi, err := os.Stat(script)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", script, ErrNotExecutable)
	}
	return bin, nil
}

func (s Spec) scriptPath() string {
	if filepath.IsAbs(s.Script) || s.Cwd == "" {
		return s.Script
	}
	return filepath.Join(s.Cwd, s.Script)
}

func resolveBinary(name, cwd string) (string, error) {
	if !strings.ContainsRune(name, filepath.Separator) {
		return exec.LookPath(name)
	}
	path := name
	if !filepath.IsAbs(path) && cwd != "" {
		path = filepath.Join(cwd, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, ErrNotExecutable)
	}
	if !isExecutable(fi) {
		return "", fmt.Errorf("%s: %w", path, fs.ErrPermission)
	}
	return path, nil
}

// BuildCommand assembles the child command for the resolved binary. No shell
// is involved, so arguments reach the child verbatim.
func (s Spec) BuildCommand(bin string) *exec.Cmd {
	var argv []string
	if s.Direct() {
		argv = append(argv, s.Args...)
	} else {
		argv = append(argv, s.InterpreterArgs...)
		argv = append(argv, s.Script)
		argv = append(argv, s.Args...)
	}
	// #nosec G204 -- binary and argv come from the operator's ecosystem file
	cmd := exec.Command(bin, argv...)
	if s.Cwd != "" {
		cmd.Dir = s.Cwd
	}
	return cmd
}

// Argv returns the full invocation, binary first, for display.
func (s Spec) Argv() []string {
	if s.Direct() {
		return append([]string{s.Script}, s.Args...)
	}
	out := []string{s.Interpreter}
	out = append(out, s.InterpreterArgs...)
	out = append(out, s.Script)
	return append(out, s.Args...)
}
