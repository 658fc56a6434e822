// Package fsio funnels every artifact mutation through one door: an atomic
// temp+rename writer bound to a declared write scope. Code holding no scope
// cannot write, which is what makes the read surface provably write-free.
package fsio

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
)

// Scope is a declared write bound: a root directory, a whitelist of exact
// file names, and a set of allowed basename prefixes. Writes anywhere else
// fail with ScopeViolation.
type Scope struct {
	root     string
	exact    map[string]struct{}
	prefixes []string
}

// NewScope binds a write scope to root, creating it if absent. Exact names
// match the full relative path (root-level files only); prefixes apply to
// the basename of each written file.
func NewScope(root string, exactNames []string, prefixes []string) (*Scope, error) {
	if root == "" {
		return nil, fmt.Errorf("write scope requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scope root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating scope root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving scope root: %w", err)
	}
	exact := make(map[string]struct{}, len(exactNames))
	for _, n := range exactNames {
		exact[n] = struct{}{}
	}
	return &Scope{root: resolved, exact: exact, prefixes: append([]string(nil), prefixes...)}, nil
}

// PlanScope returns the write scope for a portfolio plan directory: the four
// package files plus anything prefixed plan_ (quality and view files).
func PlanScope(planDir string) (*Scope, error) {
	return NewScope(planDir,
		[]string{"portfolio_plan.json", "plan_manifest.json", "plan_metadata.json", "plan_checksums.json"},
		[]string{"plan_"},
	)
}

// Root returns the resolved scope root.
func (s *Scope) Root() string { return s.root }

// Resolve validates rel against the scope and returns the absolute target
// path. It rejects absolute inputs, any ".." component, resolved paths that
// escape the root (symlinks included), and basenames outside the whitelist.
func (s *Scope) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", &errs.ScopeViolation{Path: rel, Reason: "empty path"}
	}
	if filepath.IsAbs(rel) {
		return "", &errs.ScopeViolation{Path: rel, Reason: "absolute path"}
	}
	relClean := path.Clean(filepath.ToSlash(rel))
	for _, part := range strings.Split(relClean, "/") {
		if part == ".." {
			return "", &errs.ScopeViolation{Path: rel, Reason: "parent traversal"}
		}
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", &errs.ScopeViolation{Path: rel, Reason: "escapes scope root"}
	}
	// If the parent already exists, resolve symlinks and re-check the bound.
	parent := filepath.Dir(abs)
	if resolved, err := filepath.EvalSymlinks(parent); err == nil {
		if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
			return "", &errs.ScopeViolation{Path: rel, Reason: "symlink escapes scope root"}
		}
		abs = filepath.Join(resolved, filepath.Base(abs))
	}
	if !s.nameAllowed(relClean) {
		return "", &errs.ScopeViolation{Path: rel, Reason: "name not in scope whitelist"}
	}
	return abs, nil
}

func (s *Scope) nameAllowed(relClean string) bool {
	if len(s.exact) == 0 && len(s.prefixes) == 0 {
		return true
	}
	if _, ok := s.exact[relClean]; ok {
		return true
	}
	base := path.Base(relClean)
	for _, p := range s.prefixes {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}
