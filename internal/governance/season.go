// Package governance holds the platform's control plane: season lifecycle
// with its one-way freeze, the per-batch freeze ledger, and the policy
// engine that classifies and gates every action.
package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// Metadata is a season's governance record.
type Metadata struct {
	Season    string   `json:"season"`
	Frozen    bool     `json:"frozen"`
	Tags      []string `json:"tags,omitempty"`
	Note      string   `json:"note,omitempty"`
	CreatedAt string   `json:"created_at"`
	FrozenAt  string   `json:"frozen_at,omitempty"`
}

// SeasonStore persists season metadata and season indexes under the season
// index root. The root directory is created eagerly at construction; reads
// never create anything.
type SeasonStore struct {
	root layout.Root

	// now is swappable for tests.
	now func() time.Time
}

// NewSeasonStore creates the store and its root directory.
func NewSeasonStore(root layout.Root) (*SeasonStore, error) {
	if err := os.MkdirAll(root.SeasonIndexBase(), 0o755); err != nil {
		return nil, fmt.Errorf("creating season index root: %w", err)
	}
	return &SeasonStore{root: root, now: time.Now}, nil
}

func (s *SeasonStore) scope(season string) (*fsio.Scope, error) {
	return fsio.NewScope(s.root.SeasonIndexDir(season),
		[]string{layout.SeasonIndexFile, layout.SeasonMetadataFile}, nil)
}

func (s *SeasonStore) metadataPath(season string) string {
	return filepath.Join(s.root.SeasonIndexDir(season), layout.SeasonMetadataFile)
}

// Create registers a new season. An existing season is a Duplicate.
func (s *SeasonStore) Create(season string) (*Metadata, error) {
	existing, err := s.Metadata(season)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &errs.Duplicate{ID: "season/" + season}
	}
	meta := &Metadata{
		Season:    season,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.writeMetadata(meta); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryGovernance).Info("season %s created", season)
	return meta, nil
}

// Metadata reads a season's record. A missing season is (nil, nil); only a
// malformed record is an error.
func (s *SeasonStore) Metadata(season string) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(season))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading season metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("season %s metadata: %w", season, err)
	}
	return &meta, nil
}

// Frozen reports whether the season is frozen. Unknown seasons are not
// frozen.
func (s *SeasonStore) Frozen(season string) (bool, error) {
	meta, err := s.Metadata(season)
	if err != nil {
		return false, err
	}
	return meta != nil && meta.Frozen, nil
}

// Freeze latches the season's frozen bit. Freezing an already-frozen
// season is a no-op; freezing an unknown season is NotFound.
func (s *SeasonStore) Freeze(season string) (*Metadata, error) {
	meta, err := s.Metadata(season)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, &errs.NotFound{Path: s.metadataPath(season)}
	}
	if meta.Frozen {
		return meta, nil
	}
	meta.Frozen = true
	meta.FrozenAt = s.now().UTC().Format(time.RFC3339)
	if err := s.writeMetadata(meta); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryGovernance).Info("season %s frozen", season)
	return meta, nil
}

// Tag appends a tag to an unfrozen season.
func (s *SeasonStore) Tag(season, tag string) (*Metadata, error) {
	return s.mutate(season, func(m *Metadata) { m.Tags = append(m.Tags, tag) })
}

// SetNote replaces an unfrozen season's note.
func (s *SeasonStore) SetNote(season, note string) (*Metadata, error) {
	return s.mutate(season, func(m *Metadata) { m.Note = note })
}

func (s *SeasonStore) mutate(season string, apply func(*Metadata)) (*Metadata, error) {
	meta, err := s.Metadata(season)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, &errs.NotFound{Path: s.metadataPath(season)}
	}
	if meta.Frozen {
		return nil, &errs.FrozenViolation{Season: season}
	}
	apply(meta)
	if err := s.writeMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RebuildIndex rewrites the season index from the given batch records. A
// frozen season rejects the rebuild before any IO.
func (s *SeasonStore) RebuildIndex(season string, batches []BatchRecord) error {
	frozen, err := s.Frozen(season)
	if err != nil {
		return err
	}
	if frozen {
		return &errs.FrozenViolation{Season: season}
	}
	entries := make([]any, 0, len(batches))
	for _, b := range batches {
		entries = append(entries, map[string]any{
			"batch_id": b.BatchID,
			"frozen":   b.Frozen,
		})
	}
	scope, err := s.scope(season)
	if err != nil {
		return err
	}
	_, err = scope.WriteCanonicalJSON(layout.SeasonIndexFile, map[string]any{
		"schema_version": 1,
		"season":         season,
		"batches":        entries,
	})
	return err
}

// Index reads the season index. Missing index is NotFound: the caller
// named a concrete artifact.
func (s *SeasonStore) Index(season string) (map[string]any, error) {
	path := filepath.Join(s.root.SeasonIndexDir(season), layout.SeasonIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Path: path}
		}
		return nil, fmt.Errorf("reading season index: %w", err)
	}
	return canonical.DecodeJSONObject(data)
}

func (s *SeasonStore) writeMetadata(meta *Metadata) error {
	scope, err := s.scope(meta.Season)
	if err != nil {
		return err
	}
	_, err = scope.WriteCanonicalJSON(layout.SeasonMetadataFile, meta)
	return err
}
