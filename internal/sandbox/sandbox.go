// Package sandbox resolves client-supplied paths against a project root.
//
// Every file action goes through Resolve, which rejects empty targets,
// parent-directory segments and protected extensions before any
// filesystem call is made, and guarantees the resolved path stays inside
// the root.
package sandbox

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrEmpty means a target path was required but not given.
	ErrEmpty = errors.New("sandbox: empty path")
	// ErrInvalid means the path cannot name a file (e.g. a NUL byte).
	ErrInvalid = errors.New("sandbox: invalid path")
	// ErrEscape means the path contains ".." or resolves outside the root.
	ErrEscape = errors.New("sandbox: path escapes project root")
	// ErrForbidden means the path matches a protected extension.
	ErrForbidden = errors.New("sandbox: protected extension")
)

// Policy decides which extensions actions may not touch.
type Policy struct {
	AllowProtected      bool
	ProtectedExtensions []string
}

// DefaultPolicy protects server-side PHP scripts.
func DefaultPolicy() Policy {
	return Policy{ProtectedExtensions: []string{".php"}}
}

// Protected reports whether candidate is off limits under the policy. The
// match is a case-insensitive substring test, so "index.php", "x.php.bak"
// and "old.php/notes" are all protected.
func (p Policy) Protected(candidate string) bool {
	if p.AllowProtected {
		return false
	}
	lower := strings.ToLower(candidate)
	for _, ext := range p.ProtectedExtensions {
		if ext != "" && strings.Contains(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Rule selects the checks an action needs.
type Rule struct {
	// RequireTarget rejects the empty path. Without it the empty path
	// resolves to the root itself.
	RequireTarget bool
	// CheckExtension applies the policy's protected extensions.
	CheckExtension bool
}

// Path is a validated location inside a project root.
type Path struct {
	abs string
	rel string
}

// Abs is the filesystem-facing path. It is never sent to clients.
func (p Path) Abs() string { return p.abs }

// Rel is the slash-separated path relative to the root ("." for the root).
func (p Path) Rel() string { return p.rel }

// Resolve validates candidate and joins it onto root. root must be an
// absolute, clean path.
func Resolve(root, candidate string, policy Policy, rule Rule) (Path, error) {
	if candidate == "" && rule.RequireTarget {
		return Path{}, ErrEmpty
	}
	if strings.ContainsRune(candidate, 0) {
		return Path{}, ErrInvalid
	}
	// Textual reject: normalisation alone could be bypassed by symlinks or
	// by separators the host does not treat as such.
	if strings.Contains(candidate, "..") {
		return Path{}, ErrEscape
	}
	if rule.CheckExtension && policy.Protected(candidate) {
		return Path{}, ErrForbidden
	}

	root = filepath.Clean(root)
	abs := filepath.Join(root, filepath.FromSlash(candidate))
	if !Contains(root, abs) {
		return Path{}, ErrEscape
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return Path{}, ErrEscape
	}
	return Path{abs: abs, rel: filepath.ToSlash(rel)}, nil
}

// Contains reports whether path equals root or lies beneath it, lexically.
func Contains(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// Reason names a rejection for metrics and logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrEmpty):
		return "empty"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrEscape):
		return "escape"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "other"
	}
}
