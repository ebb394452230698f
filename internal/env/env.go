// Package env composes child environments: the supervisor's own
// environment, then global overrides, then per-app values.
package env

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromList replaces the base with kv ("K=V") entries instead of the OS
// environment.
func (e *Env) FromList(kv []string) {
	e.env = parse(kv)
}

func parse(kv []string) Var {
	base := make(Var, len(kv))
	for _, s := range kv {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			continue
		}
		base[k] = v
	}
	return base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Var[k] = v
	return c
}

var refRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Merge composes the final environment applying, in order, the base (OS
// environment unless FromList was used), the global Var overrides and
// perApp. ${VAR} references in values are expanded once against the
// composed map; unknown references become empty. The result is sorted by
// key.
func (e *Env) Merge(perApp map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perApp))
	for k, v := range e.env {
		m[k] = v
	}
	for _, layer := range []Var{e.Var, perApp} {
		for k, v := range layer {
			if k == "" || strings.ContainsRune(k, '=') {
				continue
			}
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return refRe.ReplaceAllStringFunc(s, func(ref string) string {
		return m[ref[2:len(ref)-1]]
	})
}
