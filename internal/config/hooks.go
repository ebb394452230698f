package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var durationType = reflect.TypeOf(time.Duration(0))

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationHook,
		fieldsHook,
	)
}

// durationHook reads numbers as milliseconds, as pm2 does, and strings
// either as Go durations ("1.5s") or plain milliseconds ("1500").
func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseDuration(v)
	case json.Number:
		return ParseDuration(v.String())
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case uint64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case time.Duration:
		return v, nil
	}
	return data, nil
}

// ParseDuration accepts "250ms", "2s" or a bare millisecond count.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// fieldsHook splits a single string into words for list fields, so
// `args: "-D -e"` and `args: ["-D", "-e"]` are equivalent.
func fieldsHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	return strings.Fields(data.(string)), nil
}

// decodeWatch accepts a bool, a single path or a list of paths.
func decodeWatch(v any) (bool, []string, error) {
	switch t := v.(type) {
	case nil:
		return false, nil, nil
	case bool:
		return t, nil, nil
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b, nil, nil
		}
		if strings.TrimSpace(t) == "" {
			return false, nil, nil
		}
		return true, []string{t}, nil
	case []any:
		paths := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return false, nil, fmt.Errorf("watch entries must be strings, got %T", e)
			}
			paths = append(paths, s)
		}
		return len(paths) > 0, paths, nil
	case []string:
		return len(t) > 0, t, nil
	}
	return false, nil, fmt.Errorf("watch must be a bool or a list of paths, got %T", v)
}
