// Package verify re-derives a package's hash chain from its bytes on disk
// and rejects any divergence: extra or missing files, a changed payload, a
// changed files_sha256, or a changed manifest self-hash. It is the tamper
// check for plans, plan views, plan quality and season exports.
package verify

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/candidate"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/portfolio"
)

// Options adjusts a package check.
type Options struct {
	// Ignore lists relative paths that may exist in the directory without
	// being claimed by this manifest. Sibling packages sharing a directory
	// (plan, quality and view all live in the plan dir) ignore each other.
	Ignore []string
}

func (o *Options) ignored(rel string) bool {
	if o == nil {
		return false
	}
	for _, ig := range o.Ignore {
		if rel == ig {
			return true
		}
	}
	return false
}

// Package verifies one manifest-chained package rooted at dir. The manifest
// must carry a "files" map of relative path to SHA-256, a "files_sha256"
// over that map, and a self-hash under hashField.
func Package(dir, manifestName, hashField string, opts *Options) error {
	manifestPath := filepath.Join(dir, manifestName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &errs.NotFound{Path: manifestPath}
		}
		return fmt.Errorf("reading manifest: %w", err)
	}
	manifest, err := canonical.DecodeJSONObject(raw)
	if err != nil {
		return &errs.TamperDetected{Reason: manifestName + " is not a JSON object"}
	}

	ok, err := canonical.VerifySelfHash(manifest, hashField)
	if err != nil {
		return &errs.TamperDetected{Reason: manifestName + ": " + err.Error()}
	}
	if !ok {
		return &errs.TamperDetected{Reason: manifestName + " self-hash mismatch"}
	}

	files, err := claimedFiles(manifest)
	if err != nil {
		return err
	}
	filesSHA, err := canonical.SHA256Hex(manifest["files"])
	if err != nil {
		return fmt.Errorf("hashing files map: %w", err)
	}
	if got, _ := manifest["files_sha256"].(string); got != filesSHA {
		return &errs.TamperDetected{Reason: "files_sha256 does not match the files map"}
	}

	listing, err := listDir(dir, manifestName, opts)
	if err != nil {
		return err
	}
	for _, rel := range listing {
		if _, ok := files[rel]; !ok {
			return &errs.TamperDetected{Reason: "file not claimed by manifest: " + rel}
		}
	}
	for _, rel := range sortedKeys(files) {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			if os.IsNotExist(err) {
				return &errs.TamperDetected{Reason: "file claimed by manifest is missing: " + rel}
			}
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		if canonical.HashBytes(data) != files[rel] {
			return &errs.TamperDetected{Reason: "content hash mismatch: " + rel}
		}
	}
	return nil
}

func claimedFiles(manifest map[string]any) (map[string]string, error) {
	raw, ok := manifest["files"].(map[string]any)
	if !ok {
		return nil, &errs.TamperDetected{Reason: "manifest carries no files map"}
	}
	files := make(map[string]string, len(raw))
	for rel, v := range raw {
		sha, ok := v.(string)
		if !ok {
			return nil, &errs.TamperDetected{Reason: "non-string hash for " + rel}
		}
		files[rel] = sha
	}
	return files, nil
}

// listDir walks dir and returns sorted slash-relative file paths, skipping
// the manifest itself and the ignore set.
func listDir(dir, manifestName string, opts *Options) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestName || opts.ignored(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing package: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// planSiblings maps each plan-dir package to the files the other two own.
func planSiblings(except string) []string {
	all := map[string][]string{
		"plan": {portfolio.PlanFile, portfolio.PlanMetadataFile,
			portfolio.PlanChecksumsFile, portfolio.PlanManifestFile},
		"quality": {portfolio.QualityFile, portfolio.QualityChecksumsFile,
			portfolio.QualityManifestFile},
		"view": {portfolio.ViewFile, portfolio.ViewMarkdownFile,
			portfolio.ViewChecksumsFile, portfolio.ViewManifestFile},
	}
	var out []string
	for pkg, names := range all {
		if pkg == except {
			continue
		}
		out = append(out, names...)
	}
	return out
}

// Plan verifies a plan's four-file package.
func Plan(root layout.Root, planID string) error {
	return Package(root.PlanDir(planID), portfolio.PlanManifestFile,
		portfolio.PlanManifestHashField, &Options{Ignore: planSiblings("plan")})
}

// PlanQuality verifies a plan's quality package.
func PlanQuality(root layout.Root, planID string) error {
	return Package(root.PlanDir(planID), portfolio.QualityManifestFile,
		portfolio.QualityManifestHashField, &Options{Ignore: planSiblings("quality")})
}

// PlanView verifies a plan's view package.
func PlanView(root layout.Root, planID string) error {
	return Package(root.PlanDir(planID), portfolio.ViewManifestFile,
		portfolio.ViewManifestHashField, &Options{Ignore: planSiblings("view")})
}

// Export verifies a season export package.
func Export(root layout.Root, season string) error {
	return Package(root.ExportDir(season), layout.ExportManifestFile,
		candidate.ExportManifestHashField, nil)
}
