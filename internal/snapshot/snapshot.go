// Package snapshot turns raw bar files into content-addressed snapshot
// directories and keeps the append-only dataset registry derived from
// them.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// ManifestHashField is the snapshot manifest's self-hash field.
const ManifestHashField = "manifest_sha256"

// Snapshot directory contents.
const (
	RawFile        = "raw.json"
	NormalizedFile = "normalized.json"
	ManifestFile   = "manifest.json"
)

// Bar is one normalized record with fixed field order and float typing.
type Bar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Stats summarizes a normalized sequence.
type Stats struct {
	Count        int     `json:"count"`
	MinTimestamp int64   `json:"min_timestamp"`
	MaxTimestamp int64   `json:"max_timestamp"`
	MinPrice     float64 `json:"min_price"`
	MaxPrice     float64 `json:"max_price"`
	TotalVolume  float64 `json:"total_volume"`
}

// Manifest is the snapshot's on-disk record, chaining the raw bytes, the
// normalized bytes and itself by SHA.
type Manifest struct {
	SnapshotID     string `json:"snapshot_id"`
	Symbol         string `json:"symbol"`
	Timeframe      string `json:"timeframe"`
	RawSHA256      string `json:"raw_sha256"`
	NormalizedSHA  string `json:"normalized_sha256"`
	Stats          Stats  `json:"stats"`
	CreatedAt      string `json:"created_at"`
	ManifestSHA256 string `json:"manifest_sha256"`
}

// ComputeID derives the snapshot id from identity and content. It is a
// pure function of its inputs.
func ComputeID(symbol, timeframe, normalizedSHA string) string {
	return fmt.Sprintf("%s_%s_%s", symbol, timeframe, normalizedSHA[:12])
}

// Normalize parses a raw JSON bar array into the canonical sequence:
// ascending timestamps, fixed field order, float prices and volume.
func Normalize(raw []byte) ([]Bar, error) {
	var rows []Bar
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &errs.ContractViolation{Field: "raw", Reason: "not a JSON bar array: " + err.Error()}
	}
	if len(rows) == 0 {
		return nil, &errs.ContractViolation{Field: "raw", Reason: "empty bar array"}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	return rows, nil
}

func computeStats(bars []Bar) Stats {
	s := Stats{
		Count:        len(bars),
		MinTimestamp: bars[0].Timestamp,
		MaxTimestamp: bars[len(bars)-1].Timestamp,
		MinPrice:     bars[0].Low,
		MaxPrice:     bars[0].High,
	}
	for _, b := range bars {
		if b.Low < s.MinPrice {
			s.MinPrice = b.Low
		}
		if b.High > s.MaxPrice {
			s.MaxPrice = b.High
		}
		s.TotalVolume += b.Volume
	}
	s.TotalVolume = canonical.Quantize(s.TotalVolume)
	return s
}

// Builder creates snapshot directories under the outputs root.
type Builder struct {
	Root layout.Root

	// now is swappable for tests; created_at is informational and never
	// part of the content address.
	now func() time.Time
}

// NewBuilder returns a Builder over root.
func NewBuilder(root layout.Root) *Builder {
	return &Builder{Root: root, now: time.Now}
}

// Create normalizes raw, derives the snapshot id, and writes the
// three-file snapshot directory. A directory that already exists is a
// Duplicate; snapshots are never overwritten.
func (b *Builder) Create(symbol, timeframe string, raw []byte) (*Manifest, error) {
	if symbol == "" || timeframe == "" {
		return nil, &errs.ContractViolation{Field: "symbol/timeframe", Reason: "must be non-empty"}
	}
	bars, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	normalized, err := canonical.Encode(bars)
	if err != nil {
		return nil, err
	}
	normalizedSHA := canonical.HashBytes(normalized)
	id := ComputeID(symbol, timeframe, normalizedSHA)

	dir := b.Root.SnapshotDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil, &errs.Duplicate{ID: "snapshots/" + id}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking snapshot dir: %w", err)
	}

	doc := map[string]any{
		"snapshot_id":       id,
		"symbol":            symbol,
		"timeframe":         timeframe,
		"raw_sha256":        canonical.HashBytes(raw),
		"normalized_sha256": normalizedSHA,
		"stats":             computeStats(bars),
		"created_at":        b.now().UTC().Format(time.RFC3339),
	}
	stamped, err := canonical.StampSelfHash(doc, ManifestHashField)
	if err != nil {
		return nil, err
	}

	scope, err := fsio.NewScope(dir, []string{RawFile, NormalizedFile, ManifestFile}, nil)
	if err != nil {
		return nil, err
	}
	if err := scope.WriteBytes(RawFile, raw); err != nil {
		return nil, err
	}
	if err := scope.WriteBytes(NormalizedFile, normalized); err != nil {
		return nil, err
	}
	if _, err := scope.WriteCanonicalJSON(ManifestFile, stamped); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		SnapshotID:     id,
		Symbol:         symbol,
		Timeframe:      timeframe,
		RawSHA256:      doc["raw_sha256"].(string),
		NormalizedSHA:  normalizedSHA,
		Stats:          doc["stats"].(Stats),
		CreatedAt:      doc["created_at"].(string),
		ManifestSHA256: stamped[ManifestHashField].(string),
	}
	logging.Get(logging.CategorySnapshot).Info("snapshot %s: %d bars, normalized %s",
		id, manifest.Stats.Count, normalizedSHA[:12])
	return manifest, nil
}

// List returns snapshot ids sorted ascending. Pure read: a missing
// snapshots directory is just an empty list.
func (b *Builder) List() ([]string, error) {
	entries, err := os.ReadDir(b.Root.SnapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads one snapshot's manifest.
func (b *Builder) Load(id string) (*Manifest, error) {
	path := filepath.Join(b.Root.SnapshotDir(id), ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Path: path}
		}
		return nil, fmt.Errorf("reading snapshot manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot %s manifest: %w", id, err)
	}
	return &m, nil
}
