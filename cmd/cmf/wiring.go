package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/config"
	"github.com/common-metadata/cmf-go/internal/graph"
	"github.com/common-metadata/cmf-go/internal/platform/env"
	platformsqlite "github.com/common-metadata/cmf-go/internal/platform/sqlite"
	"github.com/common-metadata/cmf-go/internal/query"
	"github.com/common-metadata/cmf-go/internal/recorder"
	"github.com/common-metadata/cmf-go/internal/repo/sqlite"
	"github.com/common-metadata/cmf-go/internal/sync"
	"github.com/common-metadata/cmf-go/internal/transport"
)

const defaultCacheDir = ".cmf/cache"

// core bundles the wired components one sync command needs.
type core struct {
	cfg       config.Config
	db        *sql.DB
	store     *sqlite.Store
	storePath string
	queries   *query.Service
	syncer    *sync.Syncer
	repo      *cas.Repo
	logger    *slog.Logger
}

func (c *core) Close() {
	_ = c.db.Close()
}

// openCore loads .cmfconfig, opens the local metadata store and builds the
// transport and sync layers on top of them.
func openCore(ctx context.Context, storePath string) (*core, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, fmt.Errorf("no cmf configuration, run cmf init first: %w", err)
	}

	logger := newLogger()
	db, err := platformsqlite.Open(ctx, platformsqlite.Config{Path: storePath})
	if err != nil {
		return nil, fmt.Errorf("open metadata store %s: %w", storePath, err)
	}
	store, err := sqlite.New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	backend, err := transport.FromConfig(ctx, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	transfer := transport.New(backend, logger, defaultCacheDir)
	repo := cas.NewRepo(".", logger)
	queries := query.New(store)

	return &core{
		cfg:       cfg,
		db:        db,
		store:     store,
		storePath: storePath,
		queries:   queries,
		syncer:    sync.NewSyncer(logger, sync.NewClient(cfg.ServerURL), queries, transfer, repo),
		repo:      repo,
		logger:    logger,
	}, nil
}

// graphConfig resolves the neo4j connection: the config file first, NEO4J_*
// environment variables as fallback. CMF_GRAPH=false disables the mirror.
func (c *core) graphConfig() (graph.Config, bool) {
	enabled, err := env.Bool("CMF_GRAPH", true)
	if err != nil || !enabled {
		return graph.Config{}, false
	}
	gc := graph.Config{
		URI:      c.cfg.Neo4jURI,
		User:     c.cfg.Neo4jUser,
		Password: c.cfg.Neo4jPassword,
	}
	if gc.URI == "" {
		gc.URI = env.String("NEO4J_URI", "")
		gc.User = env.String("NEO4J_USER_NAME", "")
		gc.Password = env.String("NEO4J_PASSWD", "")
	}
	return gc, gc.URI != ""
}

// newRecorder opens a recorder over the core's store. When neo4j is
// configured the graph mirror subscribes to everything the recorder writes.
func (c *core) newRecorder(ctx context.Context, pipeline, command string) (*recorder.Recorder, error) {
	var subscribers []recorder.Subscriber
	if gc, enabled := c.graphConfig(); enabled {
		mirror, err := graph.New(gc)
		if err != nil {
			c.logger.Warn("graph mirror unavailable", "error", err)
		} else {
			subscribers = append(subscribers, mirror)
		}
	}
	return recorder.New(ctx, recorder.Options{
		Store:        c.store,
		Logger:       c.logger,
		Pipeline:     pipeline,
		Repo:         c.repo,
		ArtifactRepo: transport.ArtifactRepoRoot(c.cfg),
		StorePath:    c.storePath,
		CacheDir:     defaultCacheDir,
		Command:      command,
		Subscribers:  subscribers,
	})
}

// requirePipeline fails before any side effect when the pipeline is absent
// from the local store.
func (c *core) requirePipeline(ctx context.Context, pipeline string) error {
	exists, err := c.queries.PipelineExists(ctx, pipeline)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("pipeline %s not found in local store", pipeline)
	}
	return nil
}
