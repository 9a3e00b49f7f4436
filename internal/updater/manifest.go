package updater

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"boxd/pkg/types"
)

// Names used by the update flow. The remote side serves RemoteManifest;
// the fetched copy is staged under the managed root as StagedManifest, and
// the locally generated manifest is written to LocalManifest at the start
// of every run.
const (
	RemoteManifest = "manifest.json"
	StagedManifest = "manifest.remote.json"
	LocalManifest  = "manifest.local.json"
)

// Manifest maps a normalized (slash-separated) file path to its entry.
type Manifest map[string]types.ManifestEntry

// ParseManifest accepts either the flat form (path -> entry) or the
// envelope form ({"files": {...}, ...ignored metadata}). Entries whose
// value cannot be parsed are kept with an empty version, which the compare
// step conservatively treats as needing an update.
func ParseManifest(b []byte) (Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	if filesRaw, ok := raw["files"]; ok {
		var files map[string]types.ManifestEntry
		if err := json.Unmarshal(filesRaw, &files); err == nil && files != nil {
			return Manifest(files), nil
		}
	}

	m := make(Manifest, len(raw))
	for path, entryRaw := range raw {
		var entry types.ManifestEntry
		if err := json.Unmarshal(entryRaw, &entry); err != nil {
			m[path] = types.ManifestEntry{}
			continue
		}
		m[path] = entry
	}
	return m, nil
}

// CompareVersions orders two dotted-integer version strings component-wise
// ("1.2.0" < "1.10.0"). Missing trailing components count as zero, so
// "1.2" == "1.2.0". A malformed component makes the comparison fail.
func CompareVersions(a, b string) (int, error) {
	as, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	bs, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			if av < bv {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

func parseVersion(v string) ([]int, error) {
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "v"))
	if v == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad version %q", v)
		}
		out[i] = n
	}
	return out, nil
}
