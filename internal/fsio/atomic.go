package fsio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
)

// WriteBytes atomically writes data to rel within the scope: a sibling .tmp
// file is written and fsynced, then renamed over the target. On any failure
// the .tmp is removed and the target is untouched.
func (s *Scope) WriteBytes(rel string, data []byte) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp := abs + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", rel, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", rel, err)
	}
	syncDir(dir)
	return nil
}

// WriteCanonicalJSON encodes v as canonical JSON and atomically writes the
// exact hashed bytes; the returned string is their SHA-256.
func (s *Scope) WriteCanonicalJSON(rel string, v any) (string, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return "", err
	}
	if err := s.WriteBytes(rel, b); err != nil {
		return "", err
	}
	return canonical.HashBytes(b), nil
}

// WriteBytesIfAbsent writes rel only when the target does not exist yet; it
// reports whether a write happened. Existing files are left byte-identical.
func (s *Scope) WriteBytesIfAbsent(rel string, data []byte) (bool, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(abs); err == nil {
		return false, nil
	}
	return true, s.WriteBytes(rel, data)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
