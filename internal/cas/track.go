package cas

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TrackingFile is the <path>.dvc sidecar that pins a tracked artifact to its
// content address.
type TrackingFile struct {
	Outs []TrackedOut `yaml:"outs"`
}

type TrackedOut struct {
	Md5  string `yaml:"md5"`
	Size int64  `yaml:"size"`
	Path string `yaml:"path"`
}

// TrackingFilePath returns the sidecar path for an artifact path.
func TrackingFilePath(path string) string {
	return path + ".dvc"
}

// Track hashes path, writes its tracking sidecar next to it and, for
// directories, stores the member manifest under cacheDir so pushes can find
// it by the directory's own address. cacheDir may be empty when no local
// object cache is configured.
func Track(path, cacheDir string) (Digest, error) {
	path, _, err := statWithRetry(path)
	if err != nil {
		return Digest{}, err
	}

	var digest Digest
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		entries, d, err := DirManifest(path)
		if err != nil {
			return Digest{}, err
		}
		digest = d
		if cacheDir != "" {
			raw, err := MarshalDirManifest(entries)
			if err != nil {
				return Digest{}, err
			}
			dest := filepath.Join(cacheDir, filepath.FromSlash(ObjectPath(digest.Hash)))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return Digest{}, fmt.Errorf("create cache directory: %w", err)
			}
			if err := os.WriteFile(dest, raw, 0o644); err != nil {
				return Digest{}, fmt.Errorf("cache manifest: %w", err)
			}
		}
	} else {
		digest, err = ComputeHash(path)
		if err != nil {
			return Digest{}, err
		}
	}

	tf := TrackingFile{Outs: []TrackedOut{{
		Md5:  digest.Hash,
		Size: digest.Size,
		Path: filepath.Base(path),
	}}}
	raw, err := yaml.Marshal(tf)
	if err != nil {
		return Digest{}, fmt.Errorf("marshal tracking file: %w", err)
	}
	if err := os.WriteFile(TrackingFilePath(path), raw, 0o644); err != nil {
		return Digest{}, fmt.Errorf("write tracking file: %w", err)
	}
	return digest, nil
}

// ReadTrackingFile loads a sidecar and returns its single tracked out.
func ReadTrackingFile(path string) (TrackedOut, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return TrackedOut{}, fmt.Errorf("read tracking file: %w", err)
	}
	var tf TrackingFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return TrackedOut{}, fmt.Errorf("decode tracking file: %w", err)
	}
	if len(tf.Outs) == 0 {
		return TrackedOut{}, fmt.Errorf("tracking file %s: no outs", path)
	}
	return tf.Outs[0], nil
}
