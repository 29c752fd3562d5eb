package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to supervised services:
// the harness's own environment, then global overrides, then the
// per-service overlay.
type Env struct {
	Var  Var // global overrides (K->V)
	base Var // cached OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// Set sets a global override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetAll applies a list of "K=V" entries as global overrides.
func (e *Env) SetAll(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// Lookup resolves k against overrides first and the OS base second.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.base == nil {
		e.FromOS()
	}
	v, ok := e.base[k]
	return v, ok
}

// Merge returns the sorted "K=V" environment for a service whose overlay is
// perService. Override values may reference other keys as ${KEY}; references
// are expanded once against the composed map. Inherited OS values are passed
// through verbatim.
func (e *Env) Merge(perService []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	overrides := make(Var, len(e.Var)+len(perService))
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		overrides[k] = v
	}
	for k, v := range Parse(perService) {
		overrides[k] = v
	}
	m := make(Var, len(e.base)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range overrides {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if _, ok := overrides[k]; ok {
			v = Expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Expand replaces ${KEY} references in s using vars. Unknown keys are left
// untouched so that shell-level expansion can still apply.
func Expand(s string, vars Var) string {
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
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		key := s[i+2 : i+j]
		b.WriteString(s[:i])
		if v, ok := vars[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}

// Parse converts "K=V" entries into a map, skipping malformed ones.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
