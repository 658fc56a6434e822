package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// FingerprintHexLen is the dataset fingerprint length: a 40-hex prefix of
// the normalized content SHA.
const FingerprintHexLen = 40

// DatasetEntry is one row of the append-only dataset index.
type DatasetEntry struct {
	DatasetID    string `json:"dataset_id"`
	SnapshotID   string `json:"snapshot_id"`
	Symbol       string `json:"symbol"`
	Timeframe    string `json:"timeframe"`
	Fingerprint  string `json:"fingerprint"`
	RegisteredAt string `json:"registered_at"`
}

// DeriveDatasetID maps a snapshot id to its dataset id. Equal normalized
// content under equal (symbol, timeframe) always derives the same id.
func DeriveDatasetID(snapshotID string) string {
	return "snapshot_" + snapshotID
}

type indexFile struct {
	SchemaVersion int            `json:"schema_version"`
	Datasets      []DatasetEntry `json:"datasets"`
}

// Registry is the dataset registry: an append-only index file plus an
// in-memory view that must be primed before reads and is invalidated by
// the filesystem watcher.
type Registry struct {
	Root layout.Root

	mu      sync.RWMutex
	entries map[string]DatasetEntry
	primed  bool

	now func() time.Time
}

// NewRegistry returns an unprimed registry over root.
func NewRegistry(root layout.Root) *Registry {
	return &Registry{Root: root, now: time.Now}
}

func (r *Registry) readIndex() (*indexFile, error) {
	data, err := os.ReadFile(r.Root.DatasetsIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &indexFile{SchemaVersion: 1}, nil
		}
		return nil, fmt.Errorf("reading dataset index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing dataset index: %w", err)
	}
	return &idx, nil
}

// Register appends a snapshot-derived entry to the index. Duplicate
// dataset ids are rejected; existing rows are never rewritten.
func (r *Registry) Register(m *Manifest) (*DatasetEntry, error) {
	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	id := DeriveDatasetID(m.SnapshotID)
	for _, e := range idx.Datasets {
		if e.DatasetID == id {
			return nil, &errs.Duplicate{ID: "datasets/" + id}
		}
	}
	entry := DatasetEntry{
		DatasetID:    id,
		SnapshotID:   m.SnapshotID,
		Symbol:       m.Symbol,
		Timeframe:    m.Timeframe,
		Fingerprint:  m.NormalizedSHA[:FingerprintHexLen],
		RegisteredAt: r.now().UTC().Format(time.RFC3339),
	}
	idx.Datasets = append(idx.Datasets, entry)

	scope, err := fsio.NewScope(filepath.Dir(r.Root.DatasetsIndexPath()),
		[]string{layout.DatasetsIndexFile}, nil)
	if err != nil {
		return nil, err
	}
	if _, err := scope.WriteCanonicalJSON(layout.DatasetsIndexFile, idx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.primed {
		r.entries[entry.DatasetID] = entry
	}
	r.mu.Unlock()

	logging.Get(logging.CategorySnapshot).Info("dataset %s registered (fingerprint %s)",
		id, entry.Fingerprint[:12])
	return &entry, nil
}

// Prime loads the index into memory. Idempotent; also used as the reload
// path by the watcher.
func (r *Registry) Prime() error {
	idx, err := r.readIndex()
	if err != nil {
		return err
	}
	entries := make(map[string]DatasetEntry, len(idx.Datasets))
	for _, e := range idx.Datasets {
		entries[e.DatasetID] = e
	}
	r.mu.Lock()
	r.entries = entries
	r.primed = true
	r.mu.Unlock()
	return nil
}

// Invalidate drops the in-memory view; reads fail ErrNotPrimed until the
// next Prime.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.entries = nil
	r.primed = false
	r.mu.Unlock()
}

// Datasets lists the primed view, dataset id ascending.
func (r *Registry) Datasets() ([]DatasetEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.primed {
		return nil, errs.ErrNotPrimed
	}
	out := make([]DatasetEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out, nil
}

// Get returns one primed entry.
func (r *Registry) Get(datasetID string) (*DatasetEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.primed {
		return nil, errs.ErrNotPrimed
	}
	e, ok := r.entries[datasetID]
	if !ok {
		return nil, &errs.NotFound{Path: "datasets/" + datasetID}
	}
	return &e, nil
}

// Watch reloads the in-memory view whenever the index file changes on
// disk. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	dir := filepath.Dir(r.Root.DatasetsIndexPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dataset dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	// the index file is atomically replaced by rename, so watch the dir
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	log := logging.Get(logging.CategorySnapshot)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != layout.DatasetsIndexFile {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Prime(); err != nil {
				log.Warn("dataset index reload failed: %v", err)
			} else {
				log.Info("dataset index reloaded after %s", ev.Op)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("dataset watcher: %v", err)
		}
	}
}
