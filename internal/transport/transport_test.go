package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/common-metadata/cmf-go/internal/cas"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLocalSingleFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	work := t.TempDir()

	src := filepath.Join(work, "data.xml.gz")
	writeFile(t, src, "payload")
	digest, err := cas.ComputeHash(src)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	backend, err := NewLocal(repo)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	tr := New(backend, nil, filepath.Join(work, ".cache"))

	up, err := tr.Upload(ctx, src, digest.Hash)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !up.OK() || up.Total != 1 {
		t.Fatalf("unexpected upload result %+v", up)
	}

	dest := filepath.Join(work, "pull", "data.xml.gz")
	down, err := tr.Download(ctx, digest.Hash, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !down.OK() {
		t.Fatalf("unexpected download result %+v", down)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("downloaded %q", got)
	}
}

func TestDirectoryTransferReconstructsTree(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	work := t.TempDir()
	cache := filepath.Join(work, ".cache")

	src := filepath.Join(work, "models", "resnet")
	writeFile(t, filepath.Join(src, "weights.bin"), "www")
	writeFile(t, filepath.Join(src, "config.json"), "{}")
	writeFile(t, filepath.Join(src, "sub", "vocab.txt"), "a b c")

	digest, err := cas.Track(src, cache)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if !digest.IsDir {
		t.Fatal("expected directory digest")
	}

	backend, err := NewLocal(repo)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	tr := New(backend, nil, cache)

	up, err := tr.Upload(ctx, src, digest.Hash)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !up.OK() || up.Total != 4 { // manifest + 3 members
		t.Fatalf("unexpected upload result %+v", up)
	}

	dest := filepath.Join(work, "pull", "resnet")
	down, err := tr.Download(ctx, digest.Hash, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if down.Total != 3 || !down.OK() {
		t.Fatalf("unexpected download result %+v", down)
	}

	rebuilt, err := cas.ComputeHash(dest)
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if rebuilt.Hash != digest.Hash {
		t.Fatalf("reconstructed tree hashes %q, want %q", rebuilt.Hash, digest.Hash)
	}
}

func TestDirectoryDownloadCountsPartialFailure(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	work := t.TempDir()
	cache := filepath.Join(work, ".cache")

	src := filepath.Join(work, "features")
	writeFile(t, filepath.Join(src, "a.bin"), "aaa")
	writeFile(t, filepath.Join(src, "b.bin"), "bbb")
	writeFile(t, filepath.Join(src, "c.bin"), "ccc")

	digest, err := cas.Track(src, cache)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	backend, err := NewLocal(repo)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	tr := New(backend, nil, cache)
	if _, err := tr.Upload(ctx, src, digest.Hash); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// Simulate one member lost in the repository.
	bHash, err := cas.ComputeHash(filepath.Join(src, "b.bin"))
	if err != nil {
		t.Fatalf("hash member: %v", err)
	}
	if err := os.Remove(filepath.Join(repo, filepath.FromSlash(cas.ObjectPath(bHash.Hash)))); err != nil {
		t.Fatalf("remove object: %v", err)
	}

	down, err := tr.Download(ctx, digest.Hash, filepath.Join(work, "pull"))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if down.Total != 3 || down.Done != 2 || down.Failed != 1 {
		t.Fatalf("expected total=3 downloaded=2 failed=1, got %+v", down)
	}
}

func TestDownloadRejectsTraversalManifest(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	work := t.TempDir()

	// Hand-craft a hostile manifest in the repository.
	manifest := `[{"md5":"00000000000000000000000000000000","relpath":"../../escape"}]`
	hash := "11111111111111111111111111111111.dir"
	objPath := filepath.Join(repo, filepath.FromSlash(cas.ObjectPath(hash)))
	writeFile(t, objPath, manifest)

	backend, err := NewLocal(repo)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	tr := New(backend, nil, filepath.Join(work, ".cache"))

	if _, err := tr.Download(ctx, hash, filepath.Join(work, "pull")); err == nil {
		t.Fatal("expected traversal rejection")
	}
	if _, statErr := os.Stat(filepath.Join(work, "escape")); statErr == nil {
		t.Fatal("hostile manifest must not write outside the target")
	}
}

func TestDownloadDetectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	work := t.TempDir()

	// Store corrupted bytes under a digest they do not hash to.
	hash := "b1946ac92492d2347c6235b4d2611184" // md5("hello\n")
	writeFile(t, filepath.Join(repo, filepath.FromSlash(cas.ObjectPath(hash))), "tampered")

	backend, err := NewLocal(repo)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	tr := New(backend, nil, filepath.Join(work, ".cache"))

	_, err = tr.Download(ctx, hash, filepath.Join(work, "out"))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: raw})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestOSDFCacheFallback(t *testing.T) {
	ctx := context.Background()
	const body = "hello\n" // md5 b1946ac92492d2347c6235b4d2611184

	cache := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer cache.Close()

	var sawAuth bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			sawAuth = true
		}
		w.Write([]byte(body))
	}))
	defer origin.Close()

	backend, err := NewOSDF(OSDFConfig{
		Origin:    origin.URL,
		Cache:     cache.URL,
		KeyID:     "test",
		KeyPath:   writeTestKey(t),
		KeyIssuer: "https://issuer.test",
	}, nil)
	if err != nil {
		t.Fatalf("osdf backend: %v", err)
	}

	work := t.TempDir()
	tr := New(backend, nil, filepath.Join(work, ".cache"))
	res, err := tr.Download(ctx, "b1946ac92492d2347c6235b4d2611184", filepath.Join(work, "file"))
	if err != nil {
		t.Fatalf("download via origin fallback: %v", err)
	}
	if !res.OK() {
		t.Fatalf("unexpected result %+v", res)
	}
	if !sawAuth {
		t.Fatal("expected a bearer token on the origin request")
	}
}

func TestOSDFCredentialFailureIsTyped(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer origin.Close()

	backend, err := NewOSDF(OSDFConfig{
		Origin:    origin.URL,
		KeyID:     "test",
		KeyPath:   writeTestKey(t),
		KeyIssuer: "https://issuer.test",
	}, nil)
	if err != nil {
		t.Fatalf("osdf backend: %v", err)
	}
	err = backend.Download(context.Background(), "files/md5/ab/cdef", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}

func TestParseBucketURL(t *testing.T) {
	cases := []struct {
		raw    string
		bucket string
		prefix string
		ok     bool
	}{
		{"s3://dvc-art", "dvc-art", "", true},
		{"s3://dvc-art/models", "dvc-art", "models", true},
		{"bucket-only", "bucket-only", "", true},
		{"", "", "", false},
	}
	for _, tc := range cases {
		bucket, prefix, err := parseBucketURL(tc.raw)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.raw, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if bucket != tc.bucket || prefix != tc.prefix {
			t.Fatalf("%q: got (%q, %q)", tc.raw, bucket, prefix)
		}
	}
}
