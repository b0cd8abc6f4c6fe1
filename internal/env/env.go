// Package env composes the worker's environment.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables on top of an optional base taken from the
// supervisor's own environment.
type Env struct {
	Var     Var  // configured variables (K->V)
	Inherit bool // start from the OS environment
	base    Var
}

func New(inherit bool) *Env {
	return &Env{Var: make(Var), Inherit: inherit}
}

// FromMap returns an Env holding a copy of vars.
func FromMap(vars map[string]string, inherit bool) *Env {
	e := New(inherit)
	for k, v := range vars {
		e.Set(k, v)
	}
	return e
}

// fromOS caches the current process environment as the base.
func (e *Env) fromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
}

// Set sets K=V. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a configured variable.
func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// Merge composes the final environment in this order: the OS environment
// (when Inherit), configured variables, then overrides given as "K=V".
// ${VAR} references are expanded once against the composed set; unknown
// references expand to "". The result is sorted by key.
func (e *Env) Merge(overrides ...string) []string {
	m := make(Var)
	if e.Inherit {
		if e.base == nil {
			e.fromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range overrides {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
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

// expand replaces ${NAME} with m[NAME]. A "$" not followed by "{" and an
// unterminated "${" are copied verbatim.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
}
