package config

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/tether/internal/process"
)

// app is the rendered form of a spec: durations as strings and watch in
// its bool-or-list form.
type app struct {
	Name            string            `json:"name" yaml:"name"`
	Script          string            `json:"script" yaml:"script"`
	Args            []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Interpreter     string            `json:"interpreter" yaml:"interpreter"`
	InterpreterArgs []string          `json:"interpreter_args,omitempty" yaml:"interpreter_args,omitempty"`
	Cwd             string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Watch           any               `json:"watch" yaml:"watch"`
	IgnoreWatch     []string          `json:"ignore_watch,omitempty" yaml:"ignore_watch,omitempty"`
	WatchDelay      string            `json:"watch_delay" yaml:"watch_delay"`
	PIDFile         string            `json:"pid_file,omitempty" yaml:"pid_file,omitempty"`
	LogDateFormat   string            `json:"log_date_format,omitempty" yaml:"log_date_format,omitempty"`
	OutFile         string            `json:"out_file,omitempty" yaml:"out_file,omitempty"`
	ErrorFile       string            `json:"error_file,omitempty" yaml:"error_file,omitempty"`
	MergeLogs       bool              `json:"merge_logs" yaml:"merge_logs"`
	AutoRestart     bool              `json:"autorestart" yaml:"autorestart"`
	RestartDelay    string            `json:"restart_delay" yaml:"restart_delay"`
	MaxRestarts     int               `json:"max_restarts" yaml:"max_restarts"`
	MinUptime       string            `json:"min_uptime,omitempty" yaml:"min_uptime,omitempty"`
	KillTimeout     string            `json:"kill_timeout" yaml:"kill_timeout"`
	KillSignal      string            `json:"kill_signal" yaml:"kill_signal"`
}

func render(s process.Spec) app {
	a := app{
		Name:            s.Name,
		Script:          s.Script,
		Args:            s.Args,
		Interpreter:     s.Interpreter,
		InterpreterArgs: s.InterpreterArgs,
		Cwd:             s.Cwd,
		Env:             s.Env,
		Watch:           s.Watch,
		IgnoreWatch:     s.IgnoreWatch,
		WatchDelay:      s.Debounce().String(),
		PIDFile:         s.PIDFile,
		LogDateFormat:   s.LogDateFormat,
		OutFile:         s.OutFile,
		ErrorFile:       s.ErrorFile,
		MergeLogs:       s.MergeLogs,
		AutoRestart:     s.AutoRestart,
		RestartDelay:    s.Backoff().String(),
		MaxRestarts:     s.MaxRestarts,
		KillTimeout:     s.StopGrace().String(),
		KillSignal:      s.StopSignalName(),
	}
	if a.Interpreter == "" {
		a.Interpreter = process.InterpreterNone
	}
	if len(s.WatchPaths) > 0 {
		a.Watch = s.WatchPaths
	}
	if s.MinUptime > 0 {
		a.MinUptime = s.MinUptime.String()
	}
	return a
}

// Dump writes the effective configuration, defaults applied, as "yaml" or
// "json".
func Dump(w io.Writer, eco *Ecosystem, format string) error {
	apps := make([]app, 0, len(eco.Apps))
	for _, s := range eco.Apps {
		apps = append(apps, render(s))
	}
	doc := struct {
		Apps   []app `json:"apps" yaml:"apps"`
		Tether any   `json:"tether" yaml:"tether"`
	}{apps, plain(reflect.ValueOf(eco.Settings))}

	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown dump format %q", format)
	}
}

// plain turns settings into maps keyed by their yaml names, skipping
// hidden and empty fields and printing durations in Go notation so the
// output loads back unchanged.
func plain(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	switch v.Kind() {
	case reflect.Struct:
		out := map[string]any{}
		for i := 0; i < v.NumField(); i++ {
			f := v.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			name, opts, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			fv := v.Field(i)
			if strings.Contains(opts, "omitempty") && fv.IsZero() {
				continue
			}
			out[name] = plain(fv)
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := map[string]any{}
		for _, k := range v.MapKeys() {
			out[fmt.Sprint(k.Interface())] = plain(v.MapIndex(k))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return []any{}
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = plain(v.Index(i))
		}
		return out
	default:
		return v.Interface()
	}
}
