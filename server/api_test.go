package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/common-metadata/cmf-go/internal/domain"
	platformsqlite "github.com/common-metadata/cmf-go/internal/platform/sqlite"
	"github.com/common-metadata/cmf-go/internal/query"
	"github.com/common-metadata/cmf-go/internal/recorder"
	"github.com/common-metadata/cmf-go/internal/repo/sqlite"
	"github.com/common-metadata/cmf-go/internal/sync"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := platformsqlite.Open(ctx, platformsqlite.Config{
		Path: filepath.Join(t.TempDir(), "mlmd.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	api := newCMFAPI(logger, store, t.TempDir())
	mux := http.NewServeMux()
	api.register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

// clientPayload builds a pipeline document in a throwaway client store and
// serializes it the way a pushing client would.
func clientPayload(t *testing.T, pipeline, stage, datasetHash string) []byte {
	t.Helper()
	ctx := context.Background()
	db, err := platformsqlite.Open(ctx, platformsqlite.Config{
		Path: filepath.Join(t.TempDir(), "client.db"),
	})
	if err != nil {
		t.Fatalf("open client db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.New(db)
	if err != nil {
		t.Fatalf("new client store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init client schema: %v", err)
	}

	rec, err := recorder.New(ctx, recorder.Options{
		Store:    store,
		Pipeline: pipeline,
		Command:  "client run",
	})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if _, err := rec.CreateContext(ctx, stage, nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	if _, err := rec.CreateExecution(ctx, stage, nil, true); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if _, err := rec.LogDatasetWithVersion(ctx, "artifacts/data.csv", datasetHash, domain.EventOutput, nil); err != nil {
		t.Fatalf("log dataset: %v", err)
	}

	payload, err := query.New(store).DumpToJSON(ctx, pipeline, "")
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	return payload
}

func TestPushThenRepushAnswersExists(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t)
	client := sync.NewClient(srv.URL)

	payload := clientPayload(t, "Test-env", "Prepare", "cccc3333cccc3333cccc3333cccc3333")

	status, err := client.Push(ctx, "Test-env", "", payload)
	if err != nil {
		t.Fatalf("first push: %v", err)
	}
	if status != sync.StatusSuccess {
		t.Fatalf("first push status = %q, want %q", status, sync.StatusSuccess)
	}

	// The same document again carries no unseen execution uuid.
	status, err = client.Push(ctx, "Test-env", "", payload)
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if status != sync.StatusExists {
		t.Fatalf("second push status = %q, want %q", status, sync.StatusExists)
	}

	execs, err := query.New(store).ExecutionsInPipeline(ctx, "Test-env")
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("re-push duplicated executions: got %d", len(execs))
	}
	if _, ok := execs[0].CustomProperties[domain.PropOriginalCreateTS]; !ok {
		t.Fatalf("merged execution missing %s", domain.PropOriginalCreateTS)
	}
}

func TestTwoClientsSameHashShareOneArtifact(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t)
	client := sync.NewClient(srv.URL)

	hash := "dddd4444dddd4444dddd4444dddd4444"
	a := clientPayload(t, "Test-env", "Prepare", hash)
	b := clientPayload(t, "Test-env", "Prepare", hash)

	for i, payload := range [][]byte{a, b} {
		status, err := client.Push(ctx, "Test-env", "", payload)
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if status != sync.StatusSuccess {
			t.Fatalf("push %d status = %q", i, status)
		}
	}

	doc, err := query.New(store).Export(ctx, "Test-env", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	p := doc.Pipeline[0]
	if len(p.Artifacts) != 1 {
		t.Fatalf("same content hash must converge to one artifact, got %d", len(p.Artifacts))
	}
	var events int
	for _, s := range p.Stages {
		for _, e := range s.Executions {
			events += len(e.Events)
		}
	}
	if events != 2 {
		t.Fatalf("expected one event per producing execution, got %d", events)
	}
}

func TestPullReturnsMergedDocument(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t)
	client := sync.NewClient(srv.URL)

	payload := clientPayload(t, "Test-env", "Prepare", "eeee5555eeee5555eeee5555eeee5555")
	if _, err := client.Push(ctx, "Test-env", "", payload); err != nil {
		t.Fatalf("push: %v", err)
	}

	doc, err := client.Pull(ctx, "Test-env", "")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	p := doc.Pipeline[0]
	if p.Name != "Test-env" {
		t.Fatalf("pulled pipeline %q", p.Name)
	}
	if len(p.Stages) != 1 || len(p.Artifacts) != 1 {
		t.Fatalf("pulled shape stages=%d artifacts=%d", len(p.Stages), len(p.Artifacts))
	}
	if got := p.Artifacts[0].URI; got != "eeee5555eeee5555eeee5555eeee5555" {
		t.Fatalf("pulled artifact uri %q", got)
	}
}

func TestPullUnknownPipelineIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/mlmd_pull/no-such-pipeline")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPushRejectsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t)
	client := sync.NewClient(srv.URL)

	status, err := client.Push(ctx, "Test-env", "", []byte("{not json"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if status != sync.StatusInvalidPayload {
		t.Fatalf("status = %q, want %q", status, sync.StatusInvalidPayload)
	}
}

func TestSideChannelUploadLandsInDataDir(t *testing.T) {
	ctx := context.Background()

	dataDir := t.TempDir()
	db, err := platformsqlite.Open(ctx, platformsqlite.Config{
		Path: filepath.Join(t.TempDir(), "mlmd.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	store, err := sqlite.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	api := newCMFAPI(slog.New(slog.NewJSONHandler(os.Stderr, nil)), store, dataDir)
	mux := http.NewServeMux()
	api.register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	envFile := filepath.Join(t.TempDir(), "env.yaml")
	if err := os.WriteFile(envFile, []byte("dependencies: [python=3.11]\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	client := sync.NewClient(srv.URL)
	if err := client.UploadFile(ctx, "/python-env", "Test-env", envFile); err != nil {
		t.Fatalf("upload: %v", err)
	}

	stored := filepath.Join(dataDir, "python-env", "Test-env", "env.yaml")
	raw, err := os.ReadFile(stored)
	if err != nil {
		t.Fatalf("expected upload at %s: %v", stored, err)
	}
	if !strings.Contains(string(raw), "python=3.11") {
		t.Fatalf("stored file content mismatch: %q", raw)
	}
}
