package buzzworker

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"buzzworker/internal/errors"
)

// ManifestEntry is one precache asset. Revision is empty when the URL
// already embeds a content hash.
type ManifestEntry struct {
	URL      string `json:"url"`
	Revision string `json:"revision,omitempty"`
}

var (
	DefaultManifestExtensions = []string{"js", "css", "html", "png", "svg", "ico", "woff", "woff2"}
	DefaultManifestIgnore     = []string{"sw.js"}
)

func LoadManifest(path string) ([]ManifestEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, errors.Wrapf(err, "parse manifest %s", path)
	}
	for i, e := range entries {
		if strings.TrimSpace(e.URL) == "" {
			return nil, errors.Newf("manifest %s: entry %d has no url", path, i)
		}
	}
	return entries, nil
}

func WriteManifest(path string, entries []ManifestEntry) error {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// GenerateManifest walks a build output directory and lists every file with
// one of exts, skipping base names in ignore. Revisions are MD5 content hashes;
// the total size of listed files is returned alongside.
func GenerateManifest(dir string, exts, ignore []string) ([]ManifestEntry, int64, error) {
	if len(exts) == 0 {
		exts = DefaultManifestExtensions
	}
	if ignore == nil {
		ignore = DefaultManifestIgnore
	}
	wantExt := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		wantExt["."+strings.TrimPrefix(strings.ToLower(e), ".")] = struct{}{}
	}
	skip := make(map[string]struct{}, len(ignore))
	for _, n := range ignore {
		skip[n] = struct{}{}
	}

	var entries []ManifestEntry
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := skip[d.Name()]; ok {
			return nil
		}
		if _, ok := wantExt[strings.ToLower(filepath.Ext(d.Name()))]; !ok {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rev, size, err := fileRevision(path)
		if err != nil {
			return err
		}
		entries = append(entries, ManifestEntry{URL: "/" + filepath.ToSlash(rel), Revision: rev})
		total += size
		return nil
	})
	if err != nil {
		return nil, 0, errors.Wrapf(err, "scan %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].URL < entries[j].URL })
	return entries, total, nil
}

func fileRevision(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
