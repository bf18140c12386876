// Package cas computes content addresses for artifacts and drives the
// version-control side effects of recording them: md5 digests, directory
// manifests, .dvc tracking files and the git operations around them.
package cas

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSuffix marks a digest as the hash of a directory manifest rather than
// of file content. A digest carrying it addresses a JSON list of the
// directory's members.
const DirSuffix = ".dir"

// Digest is the content address of a tracked path.
type Digest struct {
	Hash  string // md5 hex, with DirSuffix appended for directories
	Size  int64  // file size, or total member size for directories
	IsDir bool
}

// DirEntry is one member of a directory manifest. RelPath is always
// slash-separated and relative to the directory root.
type DirEntry struct {
	Md5     string `json:"md5"`
	RelPath string `json:"relpath"`
}

// ComputeHash returns the content address of path. Regular files hash their
// bytes; directories hash the canonical serialization of their member
// manifest and carry the DirSuffix. A missing relative path is retried once
// as an absolute path before the error is returned.
func ComputeHash(path string) (Digest, error) {
	path, info, err := statWithRetry(path)
	if err != nil {
		return Digest{}, err
	}
	if info.IsDir() {
		entries, size, err := dirEntries(path)
		if err != nil {
			return Digest{}, err
		}
		raw, err := MarshalDirManifest(entries)
		if err != nil {
			return Digest{}, err
		}
		sum := md5.Sum(raw)
		return Digest{Hash: hex.EncodeToString(sum[:]) + DirSuffix, Size: size, IsDir: true}, nil
	}

	hash, err := fileMD5(path)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hash: hash, Size: info.Size()}, nil
}

// DirManifest returns the sorted member manifest of a directory along with
// its digest.
func DirManifest(path string) ([]DirEntry, Digest, error) {
	entries, size, err := dirEntries(path)
	if err != nil {
		return nil, Digest{}, err
	}
	raw, err := MarshalDirManifest(entries)
	if err != nil {
		return nil, Digest{}, err
	}
	sum := md5.Sum(raw)
	return entries, Digest{Hash: hex.EncodeToString(sum[:]) + DirSuffix, Size: size, IsDir: true}, nil
}

// MarshalDirManifest serializes a manifest canonically: entries sorted by
// relative path, compact JSON. The digest of a directory is the digest of
// these bytes.
func MarshalDirManifest(entries []DirEntry) ([]byte, error) {
	sorted := make([]DirEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })
	raw, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return raw, nil
}

// ParseDirManifest decodes a manifest and rejects entries that escape the
// directory root. Absolute member paths and ".." traversal are refused:
// a fetched manifest must never be able to write outside its target.
func ParseDirManifest(raw []byte) ([]DirEntry, error) {
	var entries []DirEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for _, e := range entries {
		if e.Md5 == "" || e.RelPath == "" {
			return nil, fmt.Errorf("manifest entry %q: missing md5 or relpath", e.RelPath)
		}
		if filepath.IsAbs(e.RelPath) || strings.HasPrefix(e.RelPath, "/") {
			return nil, fmt.Errorf("manifest entry %q: absolute path rejected", e.RelPath)
		}
		clean := filepath.ToSlash(filepath.Clean(e.RelPath))
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("manifest entry %q: path traversal rejected", e.RelPath)
		}
	}
	return entries, nil
}

// ObjectPath maps a digest to its location under a cache or remote root:
// files/md5/<first two hex chars>/<rest>. Directory digests keep their
// DirSuffix in the path.
func ObjectPath(hash string) string {
	if len(hash) < 3 {
		return "files/md5/" + hash
	}
	return "files/md5/" + hash[:2] + "/" + hash[2:]
}

// ArtifactURL renders the canonical artifact url property:
// <pipeline>:<repo>/files/md5/<h[:2]>/<h[2:]>.
func ArtifactURL(pipeline, repo, hash string) string {
	return pipeline + ":" + strings.TrimRight(repo, "/") + "/" + ObjectPath(hash)
}

// statWithRetry stats path, retrying a missing relative path once as an
// absolute path. Callers pass user-supplied paths that may be relative to a
// different working directory than the recorder's.
func statWithRetry(path string) (string, os.FileInfo, error) {
	info, err := os.Stat(path)
	if err == nil {
		return path, info, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !filepath.IsAbs(path) {
		if abs, absErr := filepath.Abs(path); absErr == nil {
			if retryInfo, retryErr := os.Stat(abs); retryErr == nil {
				return abs, retryInfo, nil
			}
		}
	}
	return "", nil, fmt.Errorf("stat %s: %w", path, err)
}

func dirEntries(root string) ([]DirEntry, int64, error) {
	var (
		entries []DirEntry
		total   int64
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hash, err := fileMD5(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		entries = append(entries, DirEntry{Md5: hash, RelPath: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, total, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
