package bars

import (
	"os"
	"path/filepath"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
)

// SharedManifestHashField is the self-hash field of the root shared
// manifest.
const SharedManifestHashField = "shared_manifest_sha256"

// writeStamped self-hash-stamps m under field and writes it atomically;
// the stored hash is returned.
func writeStamped(scope *fsio.Scope, rel string, m map[string]any, field string) (string, error) {
	stamped, err := canonical.StampSelfHash(m, field)
	if err != nil {
		return "", err
	}
	if _, err := scope.WriteCanonicalJSON(rel, stamped); err != nil {
		return "", err
	}
	return stamped[field].(string), nil
}

func mustHash(v any) string {
	sum, err := canonical.SHA256Hex(v)
	if err != nil {
		panic(err)
	}
	return sum
}

// UpdateSharedManifest merges set into the per-(season,dataset) root
// manifest and re-stamps its self-hash. Both the bars and features builders
// call this after their own manifest lands, so the root always names the
// current component manifests.
func UpdateSharedManifest(scope *fsio.Scope, set map[string]any) error {
	path := filepath.Join(scope.Root(), layout.SharedManifestFile)
	m := map[string]any{"schema_version": 1}
	if data, err := os.ReadFile(path); err == nil {
		existing, err := canonical.DecodeJSONObject(data)
		if err != nil {
			return err
		}
		m = existing
		delete(m, SharedManifestHashField)
	}
	for k, v := range set {
		m[k] = v
	}
	_, err := writeStamped(scope, layout.SharedManifestFile, m, SharedManifestHashField)
	return err
}
