package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/domain"
	platformsqlite "github.com/common-metadata/cmf-go/internal/platform/sqlite"
	"github.com/common-metadata/cmf-go/internal/query"
	"github.com/common-metadata/cmf-go/internal/recorder"
	"github.com/common-metadata/cmf-go/internal/repo/sqlite"
	"github.com/common-metadata/cmf-go/internal/transport"
)

func newStore(t *testing.T) *sqlite.Store {
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
	return store
}

func newRecorder(t *testing.T, store *sqlite.Store, pipeline string) *recorder.Recorder {
	t.Helper()
	rec, err := recorder.New(context.Background(), recorder.Options{
		Store:        store,
		Pipeline:     pipeline,
		ArtifactRepo: "/tmp/repo",
		Command:      "test run",
	})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return rec
}

func recordSampleLineage(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	rec := newRecorder(t, store, "Test-env")
	if _, err := rec.CreateContext(ctx, "Prepare", nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	if _, err := rec.CreateExecution(ctx, "Prepare", nil, true); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if _, err := rec.LogDatasetWithVersion(ctx, "data.xml.gz", "aaaa1111aaaa1111aaaa1111aaaa1111", domain.EventInput, nil); err != nil {
		t.Fatalf("log input: %v", err)
	}
	if _, err := rec.LogDatasetWithVersion(ctx, "train.tsv", "bbbb2222bbbb2222bbbb2222bbbb2222", domain.EventOutput, nil); err != nil {
		t.Fatalf("log output: %v", err)
	}
}

func exportShape(t *testing.T, store *sqlite.Store, pipeline string) (stages, executions, artifacts, events int) {
	t.Helper()
	doc, err := query.New(store).Export(context.Background(), pipeline, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	p := doc.Pipeline[0]
	stages = len(p.Stages)
	artifacts = len(p.Artifacts)
	for _, s := range p.Stages {
		executions += len(s.Executions)
		for _, e := range s.Executions {
			events += len(e.Events)
		}
	}
	return stages, executions, artifacts, events
}

func TestApplyRoundTripPreservesShape(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	recordSampleLineage(t, src)

	doc, err := query.New(src).Export(ctx, "Test-env", "")
	if err != nil {
		t.Fatalf("export source: %v", err)
	}

	dst := newStore(t)
	rec := newRecorder(t, dst, "Test-env")
	if err := Apply(ctx, rec, doc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ss, se, sa, sev := exportShape(t, src, "Test-env")
	ds, de, da, dev := exportShape(t, dst, "Test-env")
	if ss != ds || se != de || sa != da || sev != dev {
		t.Fatalf("round trip changed shape: src (%d,%d,%d,%d) dst (%d,%d,%d,%d)",
			ss, se, sa, sev, ds, de, da, dev)
	}

	// Applying the same document again must converge, not duplicate.
	if err := Apply(ctx, rec, doc); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	ds2, de2, da2, dev2 := exportShape(t, dst, "Test-env")
	if ds2 != ds || de2 != de || da2 != da || dev2 != dev {
		t.Fatalf("re-apply not idempotent: (%d,%d,%d,%d) then (%d,%d,%d,%d)",
			ds, de, da, dev, ds2, de2, da2, dev2)
	}
}

func TestApplyUnionsExecutionUUIDs(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	rec := newRecorder(t, src, "Test-env")
	if _, err := rec.CreateContext(ctx, "Train", nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	exec, err := rec.CreateExecution(ctx, "Train", nil, true)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	localUUID := exec.UUIDSet()[0]

	doc, err := query.New(src).Export(ctx, "Test-env", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	// The incoming document claims an overlapping uuid set with one extra
	// member, as a re-pushed reused execution would.
	incoming := doc.Pipeline[0].Stages[0].Executions[0].Properties
	incoming[domain.PropExecutionUUID] = localUUID + ",remote-uuid-1"

	if err := Apply(ctx, rec, doc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	merged, err := query.New(src).ExecutionsInPipeline(ctx, "Test-env")
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("uuid overlap must merge, got %d executions", len(merged))
	}
	set := merged[0].UUIDSet()
	if len(set) != 2 {
		t.Fatalf("expected union of 2 uuids, got %v", set)
	}
}

func TestApplyPreservesEventTimes(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	recordSampleLineage(t, src)

	doc, err := query.New(src).Export(ctx, "Test-env", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	const wantMillis = int64(1234567890123)
	events := doc.Pipeline[0].Stages[0].Executions[0].Events
	for i := range events {
		events[i].Millis = wantMillis
	}

	dst := newStore(t)
	rec := newRecorder(t, dst, "Test-env")
	if err := Apply(ctx, rec, doc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	out, err := query.New(dst).Export(ctx, "Test-env", "")
	if err != nil {
		t.Fatalf("export destination: %v", err)
	}
	for _, exec := range out.Pipeline[0].Stages[0].Executions {
		for _, ev := range exec.Events {
			if ev.Millis != wantMillis {
				t.Fatalf("event time not preserved: got %d, want %d", ev.Millis, wantMillis)
			}
		}
	}
}

func pushHandler(t *testing.T, status string, pushed *int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mlmd_push":
			*pushed++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": status})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func TestPushVersionMismatchAbortsUploads(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	recordSampleLineage(t, store)

	var pushed int
	srv := httptest.NewServer(pushHandler(t, StatusVersionUpdate, &pushed))
	defer srv.Close()

	repoDir := t.TempDir()
	backend, err := transport.NewLocal(repoDir)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	syncer := NewSyncer(nil, NewClient(srv.URL), query.New(store), transport.New(backend, nil, t.TempDir()), nil)

	_, err = syncer.Push(ctx, PushOptions{Pipeline: "Test-env"})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if pushed != 1 {
		t.Fatalf("expected exactly one push attempt, got %d", pushed)
	}
	// No artifact bytes may have moved.
	entries, err := os.ReadDir(repoDir)
	if err != nil {
		t.Fatalf("read repo: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("version mismatch must abort before uploads, found %d entries", len(entries))
	}
}

func TestPushUploadsReferencedArtifacts(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(work); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if err := os.WriteFile("data.csv", []byte("x,y\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	digest, err := cas.ComputeHash("data.csv")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	store := newStore(t)
	rec := newRecorder(t, store, "Test-env")
	if _, err := rec.CreateContext(ctx, "Prepare", nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	if _, err := rec.CreateExecution(ctx, "Prepare", nil, true); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if _, err := rec.LogDatasetWithVersion(ctx, "data.csv", digest.Hash, domain.EventOutput, nil); err != nil {
		t.Fatalf("log dataset: %v", err)
	}

	var pushed int
	srv := httptest.NewServer(pushHandler(t, StatusSuccess, &pushed))
	defer srv.Close()

	repoDir := t.TempDir()
	backend, err := transport.NewLocal(repoDir)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	syncer := NewSyncer(nil, NewClient(srv.URL), query.New(store), transport.New(backend, nil, t.TempDir()), nil)

	res, err := syncer.Push(ctx, PushOptions{Pipeline: "Test-env"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Status != StatusSuccess || !res.Artifacts.OK() || res.Artifacts.Total != 1 {
		t.Fatalf("unexpected push result %+v", res)
	}
	object := filepath.Join(repoDir, filepath.FromSlash(cas.ObjectPath(digest.Hash)))
	if _, err := os.Stat(object); err != nil {
		t.Fatalf("expected uploaded object at %s: %v", object, err)
	}
}
