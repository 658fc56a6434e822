package candidate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// ExportManifestHashField is the self-hash field of the export package
// manifest.
const ExportManifestHashField = "manifest_sha256"

// exportedBatchFiles are the per-batch artifacts an export copies verbatim.
var exportedBatchFiles = []string{
	layout.BatchMetadataFile, layout.BatchIndexFile, layout.BatchSummaryFile,
}

// SeasonState answers whether a season is frozen. The governance package
// provides the real implementation.
type SeasonState interface {
	Frozen(season string) (bool, error)
}

// Exporter packages a frozen season's batch artifacts into the export tree.
type Exporter struct {
	Root    layout.Root
	Seasons SeasonState
}

// ExportResult reports what Export produced.
type ExportResult struct {
	Season      string
	Batches     []string
	ManifestSHA string

	// Written is false when an identical export already existed.
	Written bool
}

// Export copies each batch's metadata/index/summary into the export tree,
// writes the season index, the replay index and the self-hashed package
// manifest. It requires a frozen season. An existing identical export is
// returned untouched; a differing one is a Duplicate.
func (e *Exporter) Export(season string, batchIDs []string) (*ExportResult, error) {
	frozen, err := e.Seasons.Frozen(season)
	if err != nil {
		return nil, err
	}
	if !frozen {
		return nil, &errs.PolicyDenied{
			Action: "season_export",
			Reason: fmt.Sprintf("season %s is not frozen", season),
		}
	}

	ids := append([]string(nil), batchIDs...)
	sort.Strings(ids)

	files := map[string]any{}      // relative path -> sha
	payload := map[string][]byte{} // relative path -> verbatim bytes
	replayBatches := []any{}
	indexBatches := []any{}
	var allCandidates []*Candidate
	for _, id := range ids {
		src := e.Root.ArtifactsDir(id)
		entry := map[string]any{"batch_id": id}
		for _, name := range exportedBatchFiles {
			data, err := os.ReadFile(filepath.Join(src, name))
			if err != nil {
				if os.IsNotExist(err) {
					return nil, &errs.NotFound{Path: filepath.Join(src, name)}
				}
				return nil, fmt.Errorf("reading batch artifact: %w", err)
			}
			rel := filepath.Join("batches", id, name)
			payload[rel] = data
			files[rel] = canonical.HashBytes(data)

			if name == layout.BatchSummaryFile || name == layout.BatchIndexFile {
				doc, err := canonical.DecodeJSONObject(data)
				if err != nil {
					return nil, fmt.Errorf("batch %s %s: %w", id, name, err)
				}
				key := "summary"
				if name == layout.BatchIndexFile {
					key = "index"
				}
				entry[key] = doc
			}
			if name == layout.BatchSummaryFile {
				var summary struct {
					TopK []*Candidate `json:"top_k"`
				}
				if err := json.Unmarshal(data, &summary); err != nil {
					return nil, fmt.Errorf("batch %s summary candidates: %w", id, err)
				}
				allCandidates = append(allCandidates, summary.TopK...)
			}
		}
		replayBatches = append(replayBatches, entry)
		indexBatches = append(indexBatches, map[string]any{
			"batch_id":       id,
			"summary_sha256": files[filepath.Join("batches", id, layout.BatchSummaryFile)],
		})
	}

	Sort(allCandidates)
	candDoc := map[string]any{
		"schema_version": 1,
		"season":         season,
		"candidates":     allCandidates,
	}
	candBytes := canonical.MustEncode(candDoc)
	payload[layout.ExportCandidatesFile] = candBytes
	files[layout.ExportCandidatesFile] = canonical.HashBytes(candBytes)

	seasonIndex := map[string]any{
		"schema_version": 1,
		"season":         season,
		"batches":        indexBatches,
	}
	replayIndex := map[string]any{
		"schema_version": 1,
		"season":         season,
		"batches":        replayBatches,
	}
	idxBytes := canonical.MustEncode(seasonIndex)
	replayBytes := canonical.MustEncode(replayIndex)
	payload[layout.SeasonIndexFile] = idxBytes
	payload[layout.ReplayIndexFile] = replayBytes
	files[layout.SeasonIndexFile] = canonical.HashBytes(idxBytes)
	files[layout.ReplayIndexFile] = canonical.HashBytes(replayBytes)

	filesSHA, err := canonical.SHA256Hex(files)
	if err != nil {
		return nil, err
	}
	manifest, err := canonical.StampSelfHash(map[string]any{
		"schema_version": 1,
		"season":         season,
		"batches":        ids,
		"files":          files,
		"files_sha256":   filesSHA,
	}, ExportManifestHashField)
	if err != nil {
		return nil, err
	}
	manifestSHA := manifest[ExportManifestHashField].(string)

	dir := e.Root.ExportDir(season)
	existingPath := filepath.Join(dir, layout.ExportManifestFile)
	if existing, err := os.ReadFile(existingPath); err == nil {
		doc, err := canonical.DecodeJSONObject(existing)
		if err != nil {
			return nil, fmt.Errorf("existing export manifest: %w", err)
		}
		if got, _ := doc[ExportManifestHashField].(string); got == manifestSHA {
			return &ExportResult{Season: season, Batches: ids, ManifestSHA: manifestSHA, Written: false}, nil
		}
		return nil, &errs.Duplicate{ID: "exports/seasons/" + season}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking existing export: %w", err)
	}

	scope, err := fsio.NewScope(dir, nil, nil)
	if err != nil {
		return nil, err
	}
	rels := make([]string, 0, len(payload))
	for rel := range payload {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		if err := scope.WriteBytes(rel, payload[rel]); err != nil {
			return nil, err
		}
	}
	// manifest last so a partial export never looks complete
	if _, err := scope.WriteCanonicalJSON(layout.ExportManifestFile, manifest); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryExport).Info("exported season %s: %d batches, manifest %s",
		season, len(ids), manifestSHA[:12])
	return &ExportResult{Season: season, Batches: ids, ManifestSHA: manifestSHA, Written: true}, nil
}
