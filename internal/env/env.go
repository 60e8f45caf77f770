package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds server-wide variables layered over an optional OS environment
// base. Executions derive their own variable space from it with Merge.
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
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		out.Var[kk] = vv
	}
	if k != "" {
		out.Var[k] = v
	}
	return out
}

// Merge composes the variable space of one execution:
// OS base (when cached with FromOS), then globals, then each override layer
// in order. Values are expanded against the composed map once.
func (e *Env) Merge(layers ...map[string]string) Var {
	m := make(Var)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, l := range layers {
		for k, v := range l {
			if k != "" {
				m[k] = v
			}
		}
	}
	out := make(Var, len(m))
	for k, v := range m {
		out[k] = m.Expand(v)
	}
	return out
}

// Expand replaces ${NAME} references with their values. Unknown references
// are left untouched so they stay visible in output.
func (v Var) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if val, ok := v[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}

// Pairs returns the variables as sorted "K=V" strings.
func (v Var) Pairs() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// ParsePairs converts "K=V" entries into a map, skipping malformed ones.
func ParsePairs(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}
