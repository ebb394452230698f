// Package config loads ecosystem files: a list of apps plus an optional
// tether section with supervisor-wide settings.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
)

// EnvPrefix prefixes environment overrides of the tether section, e.g.
// TETHER_LOG_SLOG_LEVEL=debug.
const EnvPrefix = "TETHER"

var ErrUnknownKeys = errors.New("unknown configuration keys")

// Settings holds the supervisor-wide part of an ecosystem file.
type Settings struct {
	Log      logger.Config     `mapstructure:"log" json:"log" yaml:"log"`
	Env      map[string]string `mapstructure:"env" json:"env,omitempty" yaml:"env,omitempty"`
	EnvFiles []string          `mapstructure:"env_files" json:"env_files,omitempty" yaml:"env_files,omitempty"`
	UseOSEnv bool              `mapstructure:"use_os_env" json:"use_os_env" yaml:"use_os_env"`
	API      APIConfig         `mapstructure:"api" json:"api" yaml:"api"`
	Metrics  MetricsConfig     `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	History  HistoryConfig     `mapstructure:"history" json:"history" yaml:"history"`
}

type APIConfig struct {
	Listen   string `mapstructure:"listen" json:"listen,omitempty" yaml:"listen,omitempty"`
	BasePath string `mapstructure:"base_path" json:"base_path,omitempty" yaml:"base_path,omitempty"`
}

type MetricsConfig struct {
	Listen  string                `mapstructure:"listen" json:"listen,omitempty" yaml:"listen,omitempty"`
	Sampler metrics.SamplerConfig `mapstructure:"sampler" json:"sampler" yaml:"sampler"`
	Influx  metrics.InfluxConfig  `mapstructure:"influx" json:"influx" yaml:"influx"`
}

// Enabled reports whether Prometheus metrics should be registered.
func (m MetricsConfig) Enabled() bool {
	return m.Listen != "" || m.Sampler.Enabled || m.Influx.Enabled()
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns" json:"dsns,omitempty" yaml:"dsns,omitempty"`
}

// Ecosystem is a loaded and validated ecosystem file.
type Ecosystem struct {
	Path     string         `json:"-" yaml:"-"`
	Apps     []process.Spec `json:"apps" yaml:"apps"`
	Settings Settings       `json:"tether" yaml:"tether"`
	// Warnings lists keys that were ignored.
	Warnings []string `json:"-" yaml:"-"`
}

// App returns the app called name.
func (e *Ecosystem) App(name string) (process.Spec, bool) {
	for _, a := range e.Apps {
		if a.Name == name {
			return a, true
		}
	}
	return process.Spec{}, false
}

// Options tune Load.
type Options struct {
	// Lenient turns unknown keys into warnings instead of errors.
	Lenient bool
	// Viper, when set, supplies flag bindings for the tether section.
	Viper *viper.Viper
}

// pm2 spellings accepted for the canonical keys.
var aliases = map[string]string{
	"exec_interpreter": "interpreter",
	"node_args":        "interpreter_args",
	"output":           "out_file",
	"out":              "out_file",
	"err_file":         "error_file",
	"error":            "error_file",
	"pid":              "pid_file",
	"kill_retry_time":  "kill_timeout",
}

// pm2 keys that are understood but have no effect here.
var unsupported = map[string]bool{
	"instances":          true,
	"exec_mode":          true,
	"increment_var":      true,
	"wait_ready":         true,
	"listen_timeout":     true,
	"vizion":             true,
	"autostart":          true,
	"namespace":          true,
	"time":               true,
	"source_map_support": true,
}

// Load reads path (JSON, YAML or TOML by extension), decodes and validates
// it.
func Load(path string, opts Options) (*Ecosystem, error) {
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	eco := &Ecosystem{Path: path}
	var unknown []string

	for k := range raw {
		if k != "apps" && k != "tether" {
			unknown = append(unknown, k)
		}
	}

	rawApps, err := appList(raw["apps"])
	if err != nil {
		return nil, err
	}
	var errs []error
	names := map[string]bool{}
	for i, ra := range rawApps {
		spec, unused, ws, err := decodeApp(ra)
		prefix := fmt.Sprintf("apps[%d]", i)
		for _, u := range unused {
			unknown = append(unknown, prefix+"."+u)
		}
		for _, w := range ws {
			eco.Warnings = append(eco.Warnings, prefix+": "+w)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}
		if err := spec.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if names[spec.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate app name %q", prefix, spec.Name))
			continue
		}
		names[spec.Name] = true
		eco.Apps = append(eco.Apps, spec)
	}
	if len(rawApps) == 0 {
		errs = append(errs, errors.New("no apps defined"))
	}

	settings, unusedSettings, err := decodeSettings(raw["tether"], opts.Viper)
	if err != nil {
		errs = append(errs, err)
	}
	for _, u := range unusedSettings {
		unknown = append(unknown, "tether."+u)
	}
	eco.Settings = settings

	if len(unknown) > 0 {
		sort.Strings(unknown)
		if opts.Lenient {
			for _, u := range unknown {
				eco.Warnings = append(eco.Warnings, "unknown key "+u)
			}
		} else {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(unknown, ", ")))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", path, errors.Join(errs...))
	}
	return eco, nil
}

// readRaw decodes the file keeping key case, which matters for env maps.
func readRaw(path string) (map[string]any, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(clean)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		err = dec.Decode(&raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &raw)
	case ".toml":
		err = toml.Unmarshal(b, &raw)
	case ".js", ".cjs", ".mjs":
		return nil, fmt.Errorf("%s: javascript ecosystem files are not supported; convert it to JSON or YAML", path)
	default:
		return nil, fmt.Errorf("%s: unsupported config type %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return raw, nil
}

func appList(v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("apps[%d] must be an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	case []map[string]any:
		return t, nil
	case map[string]any:
		// a single app object
		return []map[string]any{t}, nil
	default:
		return nil, fmt.Errorf("apps must be a list, got %T", v)
	}
}

func decodeApp(in map[string]any) (process.Spec, []string, []string, error) {
	var warnings []string
	m := make(map[string]any, len(in))
	for k, v := range in {
		if canon, ok := aliases[k]; ok {
			if _, dup := in[canon]; dup {
				warnings = append(warnings, fmt.Sprintf("%s ignored in favour of %s", k, canon))
				continue
			}
			k = canon
		}
		if unsupported[k] {
			warnings = append(warnings, fmt.Sprintf("%s is not supported and was ignored", k))
			continue
		}
		m[k] = v
	}

	var spec process.Spec
	if w, ok := m["watch"]; ok {
		on, paths, err := decodeWatch(w)
		if err != nil {
			return spec, nil, warnings, err
		}
		spec.Watch, spec.WatchPaths = on, paths
		delete(m, "watch")
	}

	md := mapstructure.Metadata{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook(),
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           &spec,
		TagName:          "mapstructure",
	})
	if err != nil {
		return spec, nil, warnings, err
	}
	if err := dec.Decode(m); err != nil {
		return spec, nil, warnings, err
	}
	return spec, md.Unused, warnings, nil
}

func decodeSettings(rawTether any, base *viper.Viper) (Settings, []string, error) {
	v := base
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// viper folds map keys to lower case; env names keep their case
	var env map[string]string
	if rawTether != nil {
		tm, ok := rawTether.(map[string]any)
		if !ok {
			return Settings{}, nil, fmt.Errorf("tether must be an object, got %T", rawTether)
		}
		if rawEnv, ok := tm["env"]; ok {
			if err := mapstructure.WeakDecode(rawEnv, &env); err != nil {
				return Settings{}, nil, fmt.Errorf("tether.env: %w", err)
			}
		}
		if err := v.MergeConfigMap(tm); err != nil {
			return Settings{}, nil, err
		}
	}

	var s Settings
	md := mapstructure.Metadata{}
	if err := v.Unmarshal(&s, viper.DecodeHook(decodeHook()), func(c *mapstructure.DecoderConfig) {
		c.Metadata = &md
		c.WeaklyTypedInput = true
	}); err != nil {
		return Settings{}, nil, fmt.Errorf("tether: %w", err)
	}
	s.Env = env
	return s, md.Unused, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.mqtt.broker", "")
	v.SetDefault("log.quiet", false)
	v.SetDefault("use_os_env", true)
	v.SetDefault("env_files", []string{})
	v.SetDefault("api.listen", "")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sampler.enabled", false)
	v.SetDefault("metrics.sampler.interval", "5s")
	v.SetDefault("metrics.influx.url", "")
	v.SetDefault("metrics.influx.token", "")
	v.SetDefault("metrics.influx.org", "")
	v.SetDefault("metrics.influx.bucket", "")
	v.SetDefault("history.dsns", []string{})
}

// Validate loads path and reports every problem in one error.
func Validate(path string, opts Options) error {
	_, err := Load(path, opts)
	return err
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines. Blank lines
// and lines starting with # are ignored, an optional "export " prefix is
// dropped and matching surrounding quotes are removed.
func LoadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}

// GlobalEnv merges env_files in order and then the env map.
func (s Settings) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range s.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range s.Env {
		m[k] = v
	}
	return m, nil
}
