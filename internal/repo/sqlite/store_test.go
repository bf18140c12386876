package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/common-metadata/cmf-go/internal/domain"
	platformsqlite "github.com/common-metadata/cmf-go/internal/platform/sqlite"
	"github.com/common-metadata/cmf-go/internal/repo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := platformsqlite.Open(context.Background(), platformsqlite.Config{
		Path: filepath.Join(t.TempDir(), "mlmd.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func TestGetOrCreateContextIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateContext(ctx, domain.ContextTypePipeline, "demo", nil, domain.Metadata{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	second, err := s.GetOrCreateContext(ctx, domain.ContextTypePipeline, "demo", nil, domain.Metadata{"k": "other"}, nil)
	if err != nil {
		t.Fatalf("recreate context: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one context row, got ids %d and %d", first.ID, second.ID)
	}
	if got := second.Properties.String("k"); got != "v" {
		t.Fatalf("existing context must win, got property %q", got)
	}
}

func TestParentContextLinksStageToPipeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pipeline, err := s.GetOrCreateContext(ctx, domain.ContextTypePipeline, "demo", nil, nil, nil)
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	stage, err := s.GetOrCreateContext(ctx, domain.ContextTypeStage, "demo/train", nil, nil, nil)
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	if err := s.AddParentContext(ctx, pipeline.ID, stage.ID); err != nil {
		t.Fatalf("link parent: %v", err)
	}
	// Linking twice must not duplicate the edge.
	if err := s.AddParentContext(ctx, pipeline.ID, stage.ID); err != nil {
		t.Fatalf("relink parent: %v", err)
	}

	children, err := s.GetChildContexts(ctx, pipeline.ID)
	if err != nil {
		t.Fatalf("child contexts: %v", err)
	}
	if len(children) != 1 || children[0].ID != stage.ID {
		t.Fatalf("expected single child stage, got %+v", children)
	}
}

func TestCreateExecutionReusesByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stage, err := s.GetOrCreateContext(ctx, domain.ContextTypeStage, "demo/train", nil, nil, nil)
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}

	first, created, err := s.CreateExecutionInContext(ctx, stage.ID, "demo/train", "weekly", domain.Metadata{domain.PropExecutionUUID: "aaa"}, nil, false)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if !created {
		t.Fatal("expected a new execution row")
	}
	second, created, err := s.CreateExecutionInContext(ctx, stage.ID, "demo/train", "weekly", domain.Metadata{domain.PropExecutionUUID: "bbb"}, nil, false)
	if err != nil {
		t.Fatalf("reuse execution: %v", err)
	}
	if created {
		t.Fatal("expected reuse of the named execution")
	}
	if first.ID != second.ID {
		t.Fatalf("expected same execution row, got %d and %d", first.ID, second.ID)
	}

	// createNew always inserts and never records the reuse name.
	third, created, err := s.CreateExecutionInContext(ctx, stage.ID, "demo/train", "weekly", nil, nil, true)
	if err != nil {
		t.Fatalf("create fresh execution: %v", err)
	}
	if !created || third.ID == first.ID {
		t.Fatalf("expected a distinct fresh execution, got created=%v id=%d", created, third.ID)
	}
	if third.Name != "" {
		t.Fatalf("fresh execution must be anonymous, got name %q", third.Name)
	}
}

func TestPutArtifactMergesByURI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stage, err := s.GetOrCreateContext(ctx, domain.ContextTypeStage, "demo/train", nil, nil, nil)
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	exec, _, err := s.CreateExecutionInContext(ctx, stage.ID, "demo/train", "", nil, nil, true)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	uri := "d2a9d2b5b5e5c5f3a1b2c3d4e5f60718"
	first, err := s.PutArtifact(ctx, repo.PutArtifactInput{
		URI:              uri,
		Name:             "data/raw.csv:" + uri,
		TypeName:         domain.ArtifactTypeDataset,
		CustomProperties: domain.Metadata{"user_tag": "v1"},
		EventType:        domain.EventOutput,
		ExecutionID:      exec.ID,
		ContextID:        stage.ID,
	})
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	exec2, _, err := s.CreateExecutionInContext(ctx, stage.ID, "demo/train", "", nil, nil, true)
	if err != nil {
		t.Fatalf("create second execution: %v", err)
	}
	second, err := s.PutArtifact(ctx, repo.PutArtifactInput{
		URI:              uri,
		Name:             "data/raw.csv:" + uri,
		TypeName:         domain.ArtifactTypeDataset,
		CustomProperties: domain.Metadata{"user_tag": "v2"},
		EventType:        domain.EventInput,
		ExecutionID:      exec2.ID,
		ContextID:        stage.ID,
	})
	if err != nil {
		t.Fatalf("merge artifact: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same uri must map to one artifact, got ids %d and %d", first.ID, second.ID)
	}
	if got := second.CustomProperties.String("user_tag"); got != "v1,v2" {
		t.Fatalf("expected set-union of user_tag, got %q", got)
	}

	events, err := s.GetEventsByArtifact(ctx, second.ID)
	if err != nil {
		t.Fatalf("events by artifact: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected one event per execution, got %d", len(events))
	}
}

func TestLinkExecutionToArtifactIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stage, err := s.GetOrCreateContext(ctx, domain.ContextTypeStage, "demo/train", nil, nil, nil)
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	exec, _, err := s.CreateExecutionInContext(ctx, stage.ID, "demo/train", "", nil, nil, true)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	art, err := s.PutArtifact(ctx, repo.PutArtifactInput{
		URI:         "feedbeef",
		Name:        "data/x.csv:feedbeef",
		TypeName:    domain.ArtifactTypeDataset,
		EventType:   domain.EventOutput,
		ExecutionID: exec.ID,
		ContextID:   stage.ID,
	})
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.LinkExecutionToArtifact(ctx, exec.ID, art.URI, art.Name, domain.EventInput); err != nil {
			t.Fatalf("link attempt %d: %v", i, err)
		}
	}
	events, err := s.GetEventsByExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("events by execution: %v", err)
	}
	if len(events) != 2 { // one OUTPUT from put, one INPUT from link
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestSchemaConflictIsFatal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetOrCreateContext(ctx, "Typed", "a", repo.PropertySchema{"score": repo.PropertyDouble}, nil, nil)
	if err != nil {
		t.Fatalf("declare type: %v", err)
	}
	_, err = s.GetOrCreateContext(ctx, "Typed", "b", repo.PropertySchema{"score": repo.PropertyString}, nil, nil)
	if !errors.Is(err, repo.ErrSchemaConflict) {
		t.Fatalf("expected schema conflict, got %v", err)
	}
}

func TestGetArtifactByURINotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetArtifactByURI(context.Background(), "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
