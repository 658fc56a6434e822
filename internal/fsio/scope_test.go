package fsio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
)

func TestWriteBytesAtomic(t *testing.T) {
	root := t.TempDir()
	scope, err := NewScope(root, nil, nil)
	require.NoError(t, err)

	require.NoError(t, scope.WriteBytes("manifest.json", []byte(`{"a":1}`)))

	got, err := os.ReadFile(filepath.Join(root, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	// no stray temp files
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteBytesNested(t *testing.T) {
	root := t.TempDir()
	scope, err := NewScope(root, nil, nil)
	require.NoError(t, err)

	require.NoError(t, scope.WriteBytes("batches/b1/summary.json", []byte("{}")))
	_, err = os.Stat(filepath.Join(root, "batches", "b1", "summary.json"))
	assert.NoError(t, err)
}

func TestScopeRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	scope, err := NewScope(root, nil, nil)
	require.NoError(t, err)

	for _, rel := range []string{
		"",
		"/etc/passwd",
		"../outside.json",
		"sub/../../outside.json",
	} {
		_, err := scope.Resolve(rel)
		var sv *errs.ScopeViolation
		assert.True(t, errors.As(err, &sv), "expected ScopeViolation for %q, got %v", rel, err)
	}
}

func TestScopeRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	scope, err := NewScope(root, nil, nil)
	require.NoError(t, err)

	_, err = scope.Resolve("link/evil.json")
	var sv *errs.ScopeViolation
	assert.True(t, errors.As(err, &sv))
}

func TestScopeNameWhitelist(t *testing.T) {
	root := t.TempDir()
	scope, err := NewScope(root, []string{"summary.json"}, []string{"resampled_"})
	require.NoError(t, err)

	_, err = scope.Resolve("summary.json")
	assert.NoError(t, err)
	_, err = scope.Resolve("resampled_15m.json")
	assert.NoError(t, err)

	_, err = scope.Resolve("notes.txt")
	var sv *errs.ScopeViolation
	assert.True(t, errors.As(err, &sv))
}

func TestExactNamesDoNotMatchInSubdirs(t *testing.T) {
	root := t.TempDir()
	scope, err := NewScope(root, []string{"summary.json"}, []string{"resampled_"})
	require.NoError(t, err)

	_, err = scope.Resolve("sub/summary.json")
	var sv *errs.ScopeViolation
	assert.True(t, errors.As(err, &sv))

	// prefixes keep matching basenames, so nested cache files stay writable
	_, err = scope.Resolve("bars/resampled_15m.json")
	assert.NoError(t, err)

	_, err = scope.Resolve("./summary.json")
	assert.NoError(t, err)
}

func TestPlanScopePermitsPackageFiles(t *testing.T) {
	scope, err := PlanScope(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{
		"portfolio_plan.json", "plan_manifest.json", "plan_metadata.json",
		"plan_checksums.json", "plan_view.json", "plan_view.md",
		"plan_quality.json", "plan_quality_checksums.json",
	} {
		_, err := scope.Resolve(name)
		assert.NoError(t, err, name)
	}

	_, err = scope.Resolve("candidates.json")
	var sv *errs.ScopeViolation
	assert.True(t, errors.As(err, &sv))
}

func TestWriteCanonicalJSONReturnsHash(t *testing.T) {
	scope, err := NewScope(t.TempDir(), nil, nil)
	require.NoError(t, err)

	sum, err := scope.WriteCanonicalJSON("meta.json", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	got, err := os.ReadFile(filepath.Join(scope.Root(), "meta.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(got))
}

func TestWriteBytesIfAbsent(t *testing.T) {
	scope, err := NewScope(t.TempDir(), nil, nil)
	require.NoError(t, err)

	wrote, err := scope.WriteBytesIfAbsent("x.json", []byte("first"))
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = scope.WriteBytesIfAbsent("x.json", []byte("second"))
	require.NoError(t, err)
	assert.False(t, wrote)

	got, err := os.ReadFile(filepath.Join(scope.Root(), "x.json"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}
