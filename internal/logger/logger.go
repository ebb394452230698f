package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config groups the supervisor's own logging (Slog) with the destinations
// used for managed programs' output (File, MQTT).
type Config struct {
	Slog SlogConfig `mapstructure:"slog" json:"slog" yaml:"slog"`
	File FileConfig `mapstructure:"file" json:"file" yaml:"file"`
	MQTT MQTTConfig `mapstructure:"mqtt" json:"mqtt" yaml:"mqtt"`
	// Quiet stops echoing program output to the supervisor's own stdout
	// and stderr when a file sink is configured.
	Quiet bool `mapstructure:"quiet" json:"quiet" yaml:"quiet"`
}

// FileConfig describes rotated log files.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>-out.log and Dir/<name>-error.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir,omitempty" yaml:"dir,omitempty"`
	StdoutPath string `mapstructure:"stdout" json:"stdout,omitempty" yaml:"stdout,omitempty"`
	StderrPath string `mapstructure:"stderr" json:"stderr,omitempty" yaml:"stderr,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty" yaml:"compress,omitempty"`
}

// AppLog is the per-app part of the log routing.
type AppLog struct {
	OutFile   string
	ErrorFile string
	Merge     bool
}

// ProcessWriters returns rotating writers for stdout and stderr of name.
// Either may be nil when no path applies.
func (c FileConfig) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s-out.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s-error.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		w, err := c.rotating(stdout)
		if err != nil {
			return nil, nil, err
		}
		outW = w
	}
	if stderr != "" {
		if stderr == stdout {
			errW = outW
		} else {
			w, err := c.rotating(stderr)
			if err != nil {
				return nil, nil, err
			}
			errW = w
		}
	}
	return outW, errW, nil
}

func (c FileConfig) rotating(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// Outputs builds the sinks for one app. Files come from app (out_file,
// error_file) or the shared FileConfig; without any file the console is
// used. pub, when non-nil, receives every line as well.
func (c Config) Outputs(name string, app AppLog, pub *MQTTPublisher) (*Outputs, error) {
	fc := c.File
	if app.OutFile != "" {
		fc.StdoutPath = app.OutFile
	}
	if app.ErrorFile != "" {
		fc.StderrPath = app.ErrorFile
	}
	if app.Merge {
		if fc.StdoutPath == "" && fc.Dir != "" {
			fc.StdoutPath = filepath.Join(fc.Dir, fmt.Sprintf("%s-out.log", name))
		}
		fc.StderrPath = fc.StdoutPath
	}
	outF, errF, err := fc.ProcessWriters(name)
	if err != nil {
		return nil, err
	}
	o := &Outputs{}
	if outF != nil {
		o.closers = append(o.closers, outF)
	}
	if errF != nil && errF != outF {
		o.closers = append(o.closers, errF)
	}
	var outs, errs []io.Writer
	if outF != nil {
		outs = append(outs, outF)
	}
	if errF != nil {
		errs = append(errs, errF)
	}
	if !c.Quiet || outF == nil {
		outs = append(outs, os.Stdout)
	}
	if !c.Quiet || errF == nil {
		if app.Merge {
			errs = append(errs, os.Stdout)
		} else {
			errs = append(errs, os.Stderr)
		}
	}
	if pub != nil {
		outs = append(outs, pub.Writer(name, "out"))
		errs = append(errs, pub.Writer(name, "err"))
	}
	o.Stdout = Multi(outs...)
	o.Stderr = Multi(errs...)
	return o, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
