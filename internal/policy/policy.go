// Package policy holds the whitelist/blacklist tables and numeric ceilings
// that static validation consults. A Set is built once at process start and
// never mutated afterward; a malformed set is a startup failure, not a
// per-request error.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Limits are the numeric ceilings enforced before and during analysis.
type Limits struct {
	MaxCodeBytes  int `yaml:"max_code_bytes"`
	MaxLines      int `yaml:"max_lines"`
	MaxASTNodes   int `yaml:"max_ast_nodes"`
	MaxDepth      int `yaml:"max_depth"`
	MaxComplexity int `yaml:"max_complexity"`
}

// Set is the read-only policy registry. Lookups are by exact name; module
// lookups additionally distinguish a dotted submodule path from its root.
type Set struct {
	allowedModules    map[string]struct{}
	blockedModules    map[string]struct{}
	blockedBuiltins   map[string]struct{}
	blockedAttributes map[string]struct{}
	limits            Limits
}

// Spec is the raw material a Set is built from (typically decoded from the
// config file, or DefaultSpec).
type Spec struct {
	AllowedModules    []string `yaml:"allowed_modules"`
	BlockedModules    []string `yaml:"blocked_modules"`
	BlockedBuiltins   []string `yaml:"blocked_builtins"`
	BlockedAttributes []string `yaml:"blocked_attributes"`
	Limits            Limits   `yaml:"limits"`
}

// DefaultSpec is the data-analysis policy: a small set of numeric/tabular
// libraries allowed, everything that reaches the interpreter, filesystem,
// network, or process layer blocked.
func DefaultSpec() Spec {
	return Spec{
		AllowedModules: []string{
			"pandas", "numpy", "scipy", "math", "statistics",
			"random", "datetime", "json", "csv", "re",
			"collections", "itertools", "functools", "operator",
		},
		BlockedModules: []string{
			"os", "sys", "subprocess", "socket", "urllib", "requests",
			"http", "ftplib", "smtplib", "telnetlib", "xmlrpc",
			"pickle", "marshal", "shelve", "dbm", "sqlite3",
			"ctypes", "multiprocessing", "threading", "asyncio",
			"importlib", "pkgutil", "runpy", "code", "codeop",
		},
		BlockedBuiltins: []string{
			"eval", "exec", "compile", "__import__", "open", "file",
			"input", "raw_input", "reload", "execfile", "apply",
			"buffer", "intern", "globals", "locals", "vars",
			"getattr", "setattr", "delattr", "breakpoint",
		},
		BlockedAttributes: []string{
			"__class__", "__bases__", "__subclasses__", "__mro__",
			"__globals__", "__code__", "__func__", "__self__",
			"__dict__", "__getattribute__", "__setattr__", "__delattr__",
			"__builtins__", "__loader__", "__spec__",
		},
		Limits: Limits{
			MaxCodeBytes:  10000,
			MaxLines:      100,
			MaxASTNodes:   2000,
			MaxDepth:      12,
			MaxComplexity: 20,
		},
	}
}

// New validates the spec and builds the registry. Errors here mean the
// deployment is misconfigured; callers are expected to abort startup.
func New(spec Spec) (*Set, error) {
	s := &Set{
		allowedModules:    toSet(spec.AllowedModules),
		blockedModules:    toSet(spec.BlockedModules),
		blockedBuiltins:   toSet(spec.BlockedBuiltins),
		blockedAttributes: toSet(spec.BlockedAttributes),
		limits:            spec.Limits,
	}

	if len(s.allowedModules) == 0 {
		return nil, fmt.Errorf("policy: allowed_modules is empty")
	}

	if overlap := intersect(s.allowedModules, s.blockedModules); len(overlap) > 0 {
		return nil, fmt.Errorf("policy: modules both allowed and blocked: %s",
			strings.Join(overlap, ", "))
	}

	for name := range s.allowedModules {
		if name == "" {
			return nil, fmt.Errorf("policy: empty module name in allowed_modules")
		}
	}
	for name := range s.blockedAttributes {
		if !strings.HasPrefix(name, "__") {
			return nil, fmt.Errorf("policy: blocked attribute %q is not a dunder", name)
		}
	}

	l := s.limits
	if l.MaxCodeBytes < 1 {
		return nil, fmt.Errorf("policy: limits.max_code_bytes must be >= 1, got %d", l.MaxCodeBytes)
	}
	if l.MaxLines < 1 {
		return nil, fmt.Errorf("policy: limits.max_lines must be >= 1, got %d", l.MaxLines)
	}
	if l.MaxASTNodes < 1 {
		return nil, fmt.Errorf("policy: limits.max_ast_nodes must be >= 1, got %d", l.MaxASTNodes)
	}
	if l.MaxDepth < 1 {
		return nil, fmt.Errorf("policy: limits.max_depth must be >= 1, got %d", l.MaxDepth)
	}
	if l.MaxComplexity < 1 {
		return nil, fmt.Errorf("policy: limits.max_complexity must be >= 1, got %d", l.MaxComplexity)
	}

	return s, nil
}

// Default builds the registry from DefaultSpec. It panics on error since the
// built-in spec is validated by tests.
func Default() *Set {
	s, err := New(DefaultSpec())
	if err != nil {
		panic(err)
	}
	return s
}

// ModuleAllowed reports whether a module name, as written in an import
// statement, is permitted. A dotted submodule path is allowed only if the
// full path is itself whitelisted; being a child of an allowed root is not
// enough (ambiguous cases reject).
func (s *Set) ModuleAllowed(name string) bool {
	if _, blocked := s.blockedModules[rootModule(name)]; blocked {
		return false
	}
	_, ok := s.allowedModules[name]
	return ok
}

// ModuleBlocked reports whether the module's root package is on the explicit
// blocklist, as opposed to merely not being whitelisted.
func (s *Set) ModuleBlocked(name string) bool {
	_, ok := s.blockedModules[rootModule(name)]
	return ok
}

// BuiltinBlocked reports whether calling the named function is forbidden.
func (s *Set) BuiltinBlocked(name string) bool {
	_, ok := s.blockedBuiltins[name]
	return ok
}

// AttributeBlocked reports whether accessing the named attribute is forbidden.
func (s *Set) AttributeBlocked(name string) bool {
	_, ok := s.blockedAttributes[name]
	return ok
}

// Limits returns the numeric ceilings.
func (s *Set) Limits() Limits {
	return s.limits
}

// AllowedModules returns the whitelist in sorted order, for logging and the
// health endpoint.
func (s *Set) AllowedModules() []string {
	names := make([]string, 0, len(s.allowedModules))
	for name := range s.allowedModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func rootModule(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func toSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[strings.TrimSpace(n)] = struct{}{}
	}
	return m
}

func intersect(a, b map[string]struct{}) []string {
	var out []string
	for name := range a {
		if _, ok := b[name]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
