package env

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to launched servers.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// ValidKey reports whether k is usable as an environment variable name.
func ValidKey(k string) bool { return keyPattern.MatchString(k) }

// Validate returns an error naming the first malformed key in m.
func Validate(m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !ValidKey(k) {
			return fmt.Errorf("invalid environment key %q", k)
		}
	}
	return nil
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			base[k] = kv[i+1:]
		}
	}
	e.env = base
}

// WithSet returns a copy of e with K=V set as a global variable.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		out.Var[kk] = vv
	}
	out.Var[k] = v
	return out
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

// Merge composes the final environment list applying order:
// OS env, then global overrides, then the server's own variables.
// ${VAR} references are expanded against the composed map (no recursion).
func (e *Env) Merge(perServer map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perServer))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range perServer {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// LoadFile reads KEY=VALUE lines from path into the global variables.
// Blank lines and lines starting with '#' are ignored.
func (e *Env) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n+1)
		}
		k := strings.TrimSpace(line[:i])
		v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		e.Set(k, v)
	}
	return nil
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
