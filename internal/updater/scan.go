package updater

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"boxd/pkg/types"
)

// versionMarker matches an embedded version assignment near the top of a
// managed file, e.g. `version = "1.2.0"` or `version: "v2.0"`.
var versionMarker = regexp.MustCompile(`(?m)^\s*(?:__)?version(?:__)?\s*[:=]\s*"(v?[0-9]+(?:\.[0-9]+)*)"`)

// markerHeadLimit bounds how much of each file the scanner reads.
const markerHeadLimit = 8 * 1024

var ignoredDirs = map[string]bool{
	".git":         true,
	"__pycache__":  true,
	"node_modules": true,
}

// ScanVersions walks root and returns path -> version for every file that
// carries an embedded version marker. Paths are slash-separated and
// relative to root. Staging files and the manifest files themselves are
// skipped.
func ScanVersions(root string) (map[string]string, error) {
	versions := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".new") || name == StagedManifest || name == LocalManifest {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		v, ok, err := readVersionMarker(path)
		if err != nil || !ok {
			// Unreadable or unversioned files simply don't participate.
			return nil
		}
		versions[filepath.ToSlash(rel)] = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return versions, nil
}

func readVersionMarker(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	head, err := io.ReadAll(io.LimitReader(f, markerHeadLimit))
	if err != nil {
		return "", false, err
	}
	m := versionMarker.FindSubmatch(head)
	if m == nil {
		return "", false, nil
	}
	return strings.TrimPrefix(string(m[1]), "v"), true, nil
}

// WriteLocalManifest persists the scanned versions as an envelope manifest
// at root/manifest.local.json via a temp file and atomic rename.
func WriteLocalManifest(root, device string, versions map[string]string) error {
	files := make(map[string]types.ManifestEntry, len(versions))
	for path, v := range versions {
		files[path] = types.ManifestEntry{Version: v}
	}
	doc := types.ManifestFile{
		Files:     files,
		Device:    device,
		Generated: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dest := filepath.Join(root, LocalManifest)
	tmp, err := os.CreateTemp(root, LocalManifest+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// SortedPaths returns the manifest's paths in stable order; the pending
// queue is built in this order so runs are deterministic.
func SortedPaths(m Manifest) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
