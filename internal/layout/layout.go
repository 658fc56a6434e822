// Package layout pins the on-disk artifact tree. Every component derives its
// paths from here so the tree shape lives in exactly one place.
package layout

import "path/filepath"

// File names that appear at fixed positions in the tree.
const (
	SharedManifestFile   = "shared_manifest.json"
	BarsManifestFile     = "bars_manifest.json"
	FeaturesManifestFile = "features_manifest.json"
	FingerprintIndexFile = "fingerprint_index.json"

	BatchMetadataFile  = "metadata.json"
	BatchIndexFile     = "index.json"
	BatchSummaryFile   = "summary.json"
	BatchExecutionFile = "execution.json"

	ExportManifestFile   = "manifest.json"
	ExportCandidatesFile = "candidates.json"
	SeasonIndexFile      = "season_index.json"
	SeasonMetadataFile   = "season_metadata.json"
	ReplayIndexFile      = "replay_index.json"

	DatasetsIndexFile = "datasets_index.json"
)

// Root wraps the outputs root directory. The season index and dataset
// registry subtrees can be relocated independently (env/config overrides);
// when the override is empty they live under Dir.
type Root struct {
	Dir string

	SeasonIndexRoot     string
	DatasetRegistryRoot string
}

// SharedDir is the per-(season,dataset) cache directory.
func (r Root) SharedDir(season, datasetID string) string {
	return filepath.Join(r.Dir, "shared", season, datasetID)
}

// BarsDir holds normalized and resampled bar arrays.
func (r Root) BarsDir(season, datasetID string) string {
	return filepath.Join(r.SharedDir(season, datasetID), "bars")
}

// FeaturesDir holds per-timeframe feature arrays.
func (r Root) FeaturesDir(season, datasetID string) string {
	return filepath.Join(r.SharedDir(season, datasetID), "features")
}

// FingerprintIndexPath is the per-(season,dataset) day-hash index.
func (r Root) FingerprintIndexPath(season, datasetID string) string {
	return filepath.Join(r.SharedDir(season, datasetID), FingerprintIndexFile)
}

// ArtifactsDir holds one directory per executed batch.
func (r Root) ArtifactsDir(batchID string) string {
	return filepath.Join(r.Dir, "artifacts", batchID)
}

// ExportDir is the frozen-season export package root.
func (r Root) ExportDir(season string) string {
	return filepath.Join(r.Dir, "exports", "seasons", season)
}

// ExportBatchDir holds one exported batch's copied artifacts.
func (r Root) ExportBatchDir(season, batchID string) string {
	return filepath.Join(r.ExportDir(season), "batches", batchID)
}

// PlansDir holds all portfolio plan packages.
func (r Root) PlansDir() string {
	return filepath.Join(r.Dir, "portfolio", "plans")
}

// PlanDir is a single plan package directory.
func (r Root) PlanDir(planID string) string {
	return filepath.Join(r.PlansDir(), planID)
}

// SnapshotsDir holds content-addressed snapshot directories.
func (r Root) SnapshotsDir() string {
	return filepath.Join(r.Dir, "snapshots")
}

// SnapshotDir is a single snapshot's directory.
func (r Root) SnapshotDir(snapshotID string) string {
	return filepath.Join(r.SnapshotsDir(), snapshotID)
}

// DatasetsIndexPath is the append-only dataset registry file.
func (r Root) DatasetsIndexPath() string {
	base := r.DatasetRegistryRoot
	if base == "" {
		base = filepath.Join(r.Dir, "datasets")
	}
	return filepath.Join(base, DatasetsIndexFile)
}

// SeasonIndexBase is the directory holding all per-season index subdirs.
func (r Root) SeasonIndexBase() string {
	if r.SeasonIndexRoot != "" {
		return r.SeasonIndexRoot
	}
	return filepath.Join(r.Dir, "season_index")
}

// SeasonIndexDir holds a season's index and metadata.
func (r Root) SeasonIndexDir(season string) string {
	return filepath.Join(r.SeasonIndexBase(), season)
}
