package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveLoadRoundTripMinio(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	in := Config{
		ServerURL:     "http://cmf.example.com:8080",
		Neo4jURI:      "bolt://localhost:7687",
		Neo4jUser:     "neo4j",
		Neo4jPassword: "s3cret",
		Backend:       BackendMinio,
		Minio: MinioConfig{
			URL:         "s3://bucket/artifacts",
			EndpointURL: "http://localhost:9000",
			AccessKeyID: "minioadmin",
			SecretKey:   "minioadmin",
		},
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Backend != BackendMinio {
		t.Fatalf("backend = %q, want %q", out.Backend, BackendMinio)
	}
	if out.Minio != in.Minio {
		t.Fatalf("minio section mismatch: %+v", out.Minio)
	}
	if out.ServerURL != in.ServerURL {
		t.Fatalf("server url = %q", out.ServerURL)
	}
	if out.Neo4jPassword != "s3cret" {
		t.Fatalf("neo4j password = %q", out.Neo4jPassword)
	}
}

func TestNeo4jPasswordNeverStoredInClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	cfg := Config{
		Backend:       BackendLocal,
		Local:         LocalConfig{Path: "/tmp/artifacts"},
		Neo4jURI:      "bolt://localhost:7687",
		Neo4jUser:     "neo4j",
		Neo4jPassword: "hunter2-plaintext",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "hunter2-plaintext") {
		t.Fatalf("password written in clear text:\n%s", raw)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadWithoutBackendSectionErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	if err := os.WriteFile(path, []byte("[cmf]\nserver-url = http://x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when no backend section is present")
	}
}

func TestSaveLoadRoundTripSSH(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	in := Config{
		Backend: BackendSSH,
		SSH: SSHConfig{
			Path:     "worker01:/srv/cmf-artifacts",
			User:     "cmf",
			Port:     "2222",
			Password: "pw",
		},
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Backend != BackendSSH || out.SSH != in.SSH {
		t.Fatalf("ssh round trip mismatch: %+v", out)
	}
}
