// Package transport moves artifact bytes between the working tree and the
// configured artifact repository. Backends move single objects; the
// Transfer orchestrator understands directory manifests, verifies content
// hashes and parallelizes batches with per-file accounting.
package transport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/common-metadata/cmf-go/internal/cas"
)

var (
	// ErrBucketMissing means the artifact repository location does not
	// exist. Surfaced before any file moves.
	ErrBucketMissing = errors.New("artifact repository missing")
	// ErrCredential means the backend rejected the configured credentials.
	// Fatal before a batch starts.
	ErrCredential = errors.New("credential failure")
	// ErrHashMismatch means downloaded bytes do not hash to the recorded
	// address.
	ErrHashMismatch = errors.New("content hash mismatch")
)

// Result accounts one transfer. A single-object transfer has Total=1;
// directory transfers count the manifest's members.
type Result struct {
	Total  int
	Done   int
	Failed int
}

// OK reports whether every file made it.
func (r Result) OK() bool { return r.Failed == 0 && r.Done == r.Total }

func (r Result) String() string {
	return fmt.Sprintf("total=%d downloaded=%d failed=%d", r.Total, r.Done, r.Failed)
}

// Backend moves single objects addressed by their repository-relative path
// (files/md5/<hh>/<rest>).
type Backend interface {
	Upload(ctx context.Context, localPath, objectPath string) error
	Download(ctx context.Context, objectPath, localPath string) error
}

// Transfer drives a Backend for whole artifacts.
type Transfer struct {
	backend Backend
	logger  *slog.Logger
	// cacheDir holds directory manifests written at tracking time.
	cacheDir string
	workers  int
}

func New(backend Backend, logger *slog.Logger, cacheDir string) *Transfer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &Transfer{
		backend:  backend,
		logger:   logger,
		cacheDir: cacheDir,
		workers:  4 * runtime.NumCPU(),
	}
}

// Upload sends the artifact at localPath, addressed by hash, to the
// repository. Directories upload their manifest first, then every member by
// its own hash path. Per-file failures are counted, not fatal.
func (t *Transfer) Upload(ctx context.Context, localPath, hash string) (Result, error) {
	if !strings.HasSuffix(hash, cas.DirSuffix) {
		if err := t.backend.Upload(ctx, localPath, cas.ObjectPath(hash)); err != nil {
			return Result{Total: 1, Failed: 1}, err
		}
		return Result{Total: 1, Done: 1}, nil
	}

	entries, err := t.loadManifest(localPath, hash)
	if err != nil {
		return Result{}, err
	}
	manifestPath := filepath.Join(t.cacheDir, filepath.FromSlash(cas.ObjectPath(hash)))
	if err := t.backend.Upload(ctx, manifestPath, cas.ObjectPath(hash)); err != nil {
		return Result{Total: len(entries) + 1, Failed: len(entries) + 1},
			fmt.Errorf("upload manifest: %w", err)
	}

	result := Result{Total: len(entries) + 1, Done: 1}
	batch := t.runBatch(ctx, entries, func(ctx context.Context, e cas.DirEntry) error {
		return t.backend.Upload(ctx, filepath.Join(localPath, filepath.FromSlash(e.RelPath)), cas.ObjectPath(e.Md5))
	})
	result.Done += batch.Done
	result.Failed += batch.Failed
	return result, nil
}

// Download fetches the artifact addressed by hash into localPath. Directory
// manifests are fetched to a scratch path and validated before any member
// is written; every downloaded file is re-hashed against its address.
func (t *Transfer) Download(ctx context.Context, hash, localPath string) (Result, error) {
	if !strings.HasSuffix(hash, cas.DirSuffix) {
		if err := t.downloadVerified(ctx, cas.ObjectPath(hash), localPath, hash); err != nil {
			return Result{Total: 1, Failed: 1}, err
		}
		return Result{Total: 1, Done: 1}, nil
	}

	scratch, err := os.CreateTemp("", "cmf-manifest-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch manifest: %w", err)
	}
	scratchPath := scratch.Name()
	scratch.Close()
	defer os.Remove(scratchPath)

	if err := t.backend.Download(ctx, cas.ObjectPath(hash), scratchPath); err != nil {
		return Result{Total: 1, Failed: 1}, fmt.Errorf("fetch manifest: %w", err)
	}
	raw, err := os.ReadFile(scratchPath)
	if err != nil {
		return Result{Total: 1, Failed: 1}, fmt.Errorf("read manifest: %w", err)
	}
	entries, err := cas.ParseDirManifest(raw)
	if err != nil {
		return Result{Total: 1, Failed: 1}, err
	}

	result := Result{Total: len(entries)}
	batch := t.runBatch(ctx, entries, func(ctx context.Context, e cas.DirEntry) error {
		dest := filepath.Join(localPath, filepath.FromSlash(e.RelPath))
		return t.downloadVerified(ctx, cas.ObjectPath(e.Md5), dest, e.Md5)
	})
	result.Done = batch.Done
	result.Failed = batch.Failed
	return result, nil
}

// runBatch transfers manifest members on a bounded worker pool, counting
// per-file outcomes.
func (t *Transfer) runBatch(ctx context.Context, entries []cas.DirEntry, op func(context.Context, cas.DirEntry) error) Result {
	workers := t.workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(entries) {
		workers = len(entries)
	}

	jobs := make(chan cas.DirEntry)
	var (
		mu     sync.Mutex
		result Result
		wg     sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				err := op(ctx, entry)
				mu.Lock()
				if err != nil {
					result.Failed++
					t.logger.Warn("transfer failed", "path", entry.RelPath, "error", err)
				} else {
					result.Done++
				}
				mu.Unlock()
			}
		}()
	}
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()
	return result
}

func (t *Transfer) downloadVerified(ctx context.Context, objectPath, localPath, hash string) error {
	if dir := filepath.Dir(localPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create target directory: %w", err)
		}
	}
	if err := t.backend.Download(ctx, objectPath, localPath); err != nil {
		return err
	}
	return verifyHash(localPath, hash)
}

// loadManifest reads the cached manifest for a directory hash, regenerating
// it from the working tree when the cache entry is absent.
func (t *Transfer) loadManifest(localPath, hash string) ([]cas.DirEntry, error) {
	cached := filepath.Join(t.cacheDir, filepath.FromSlash(cas.ObjectPath(hash)))
	if raw, err := os.ReadFile(cached); err == nil {
		return cas.ParseDirManifest(raw)
	}
	entries, digest, err := cas.DirManifest(localPath)
	if err != nil {
		return nil, fmt.Errorf("rebuild manifest: %w", err)
	}
	if digest.Hash != hash {
		return nil, fmt.Errorf("directory %s: recorded %s, found %s: %w", localPath, hash, digest.Hash, ErrHashMismatch)
	}
	raw, err := cas.MarshalDirManifest(entries)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(cached, raw, 0o644); err != nil {
		return nil, fmt.Errorf("cache manifest: %w", err)
	}
	return entries, nil
}

// verifyHash recomputes md5 of a downloaded file when the address is a
// plain digest; other address shapes (random uris) are not verifiable.
func verifyHash(path, hash string) error {
	if len(hash) != 32 || !isHex(hash) {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verification: %w", err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash downloaded file: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		return fmt.Errorf("%s: recorded %s, downloaded %s: %w", path, hash, got, ErrHashMismatch)
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
