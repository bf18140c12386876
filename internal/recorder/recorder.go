// Package recorder is the user-facing lineage API. A Recorder is a handle
// over one pipeline: it opens stages and executions, hashes and records
// artifacts through the metadata store, and announces every event to the
// injected subscribers. Recording is best-effort where the environment is
// concerned (git or hashing failures degrade, store failures do not), so a
// training loop never crashes on a log call.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

// ErrNotOpen is returned when a log call arrives before the stage or
// execution it needs is open. The recorder warns and keeps going; callers
// that care can test for it.
var ErrNotOpen = errors.New("recorder: stage or execution not open")

// Options configures a Recorder.
type Options struct {
	Store    repo.Store
	Logger   *slog.Logger
	Pipeline string
	// PipelineProps become custom properties of the pipeline context.
	PipelineProps domain.Metadata
	// Repo is the version-control adapter. Optional: without it, lineage is
	// recorded without commit provenance.
	Repo *cas.Repo
	// ArtifactRepo is the root of the configured artifact backend, used to
	// render artifact url properties.
	ArtifactRepo string
	// StorePath is the metadata store file. When both it and Repo are set,
	// tracking commits land on a branch named after the store file.
	StorePath string
	// CacheDir receives directory manifests when artifacts are tracked.
	CacheDir string
	// Command is recorded on each execution; defaults to the process argv.
	Command     string
	Subscribers []Subscriber
}

// Recorder holds the lineage cursor for one pipeline. It is not safe for
// concurrent use; the recording model is one recorder per process.
type Recorder struct {
	store       repo.Store
	logger      *slog.Logger
	repo        *cas.Repo
	subscribers []Subscriber

	artifactRepo string
	cacheDir     string
	command      string
	eventMillis  int64

	pipeline  domain.Context
	stage     *domain.Context
	execution *domain.Execution

	inputArtifacts []domain.Artifact
	metricBuffers  map[string][]domain.Metadata
}

// New opens (or reuses) the pipeline context and returns a recorder bound to
// it. This is the first call of every recording session.
func New(ctx context.Context, opts Options) (*Recorder, error) {
	if opts.Store == nil {
		return nil, errors.New("recorder: store is required")
	}
	if strings.TrimSpace(opts.Pipeline) == "" {
		return nil, errors.New("recorder: pipeline name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	command := opts.Command
	if command == "" {
		command = strings.Join(os.Args, " ")
	}

	pipeline, err := opts.Store.GetOrCreateContext(ctx, domain.ContextTypePipeline, opts.Pipeline, nil, nil, opts.PipelineProps)
	if err != nil {
		return nil, fmt.Errorf("open pipeline %s: %w", opts.Pipeline, err)
	}

	if opts.Repo != nil && opts.StorePath != "" {
		branch := filepath.Base(opts.StorePath)
		if err := opts.Repo.CheckoutBranch(ctx, branch); err != nil {
			logger.Warn("branch checkout failed, staying on the current branch", "branch", branch, "error", err)
		}
	}

	r := &Recorder{
		store:         opts.Store,
		logger:        logger,
		repo:          opts.Repo,
		subscribers:   opts.Subscribers,
		artifactRepo:  opts.ArtifactRepo,
		cacheDir:      opts.CacheDir,
		command:       command,
		pipeline:      pipeline,
		metricBuffers: make(map[string][]domain.Metadata),
	}
	r.notifyPipeline(ctx, pipeline)
	return r, nil
}

// Pipeline returns the pipeline context the recorder is bound to.
func (r *Recorder) Pipeline() domain.Context { return r.pipeline }

// Stage returns the open stage context, or false when none is open.
func (r *Recorder) Stage() (domain.Context, bool) {
	if r.stage == nil {
		return domain.Context{}, false
	}
	return *r.stage, true
}

// Execution returns the open execution, or false when none is open.
func (r *Recorder) Execution() (domain.Execution, bool) {
	if r.execution == nil {
		return domain.Execution{}, false
	}
	return *r.execution, true
}

// CreateContext opens (or reuses) a stage of the pipeline. The stored
// context name is qualified as "<pipeline>/<stage>".
func (r *Recorder) CreateContext(ctx context.Context, stage string, custom domain.Metadata) (domain.Context, error) {
	name := domain.StageName(r.pipeline.Name, stage)
	sc, err := r.store.GetOrCreateContext(ctx, domain.ContextTypeStage, name, nil, nil, custom)
	if err != nil {
		return domain.Context{}, fmt.Errorf("open stage %s: %w", name, err)
	}
	if err := r.store.AddParentContext(ctx, r.pipeline.ID, sc.ID); err != nil {
		return domain.Context{}, fmt.Errorf("link stage %s: %w", name, err)
	}
	r.stage = &sc
	r.execution = nil
	r.notifyStage(ctx, sc)
	return sc, nil
}

// CreateExecution opens an execution of the current stage. A fresh uuid is
// always minted and unioned into Execution_uuid; with createNew=false a
// prior execution of the same name within this stage is reused and updated
// in place.
func (r *Recorder) CreateExecution(ctx context.Context, executionType string, custom domain.Metadata, createNew bool) (domain.Execution, error) {
	if r.stage == nil {
		r.logger.Warn("create_execution called before create_context", "execution_type", executionType)
		return domain.Execution{}, ErrNotOpen
	}

	// The execution type is the qualified stage name, so reuse by
	// (type, name) never crosses stage boundaries.
	typeName := r.stage.Name
	freshUUID := uuid.NewString()

	var gitRepo, gitCommit string
	if r.repo != nil {
		var err error
		if gitRepo, err = r.repo.CurrentRepoURL(ctx); err != nil {
			r.logger.Warn("repo url unavailable", "error", err)
		}
		if gitCommit, err = r.repo.CurrentCommit(ctx); err != nil {
			r.logger.Warn("commit unavailable", "error", err)
		}
	}

	props := domain.Metadata{
		domain.PropContextType:    r.stage.Name,
		domain.PropContextID:      r.stage.ID,
		domain.PropExecution:      r.command,
		domain.PropGitRepo:        gitRepo,
		domain.PropGitStartCommit: gitCommit,
		domain.PropPipelineType:   r.pipeline.Name,
		domain.PropPipelineID:     r.pipeline.ID,
		domain.PropExecutionUUID:  freshUUID,
	}

	reuseName := ""
	if !createNew {
		reuseName = executionType
	}
	exec, created, err := r.store.CreateExecutionInContext(ctx, r.stage.ID, typeName, reuseName, props, custom, createNew)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("open execution %s: %w", typeName, err)
	}
	if !created {
		// Reused execution: union the fresh uuid and merge new properties.
		exec.AddUUID(freshUUID)
		exec.Properties.MergeProperty(domain.PropExecution, r.command)
		if exec.CustomProperties == nil {
			exec.CustomProperties = domain.Metadata{}
		}
		exec.CustomProperties.MergeAll(custom)
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			return domain.Execution{}, fmt.Errorf("update reused execution %d: %w", exec.ID, err)
		}
	}

	r.execution = &exec
	r.inputArtifacts = nil
	r.metricBuffers = make(map[string][]domain.Metadata)
	r.notifyExecution(ctx, exec)
	return exec, nil
}

// UpdateExecution reloads an execution by id and merges custom properties
// into it.
func (r *Recorder) UpdateExecution(ctx context.Context, id int64, custom domain.Metadata) (domain.Execution, error) {
	exec, err := r.store.GetExecutionByID(ctx, id)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("load execution %d: %w", id, err)
	}
	if exec.CustomProperties == nil {
		exec.CustomProperties = domain.Metadata{}
	}
	exec.CustomProperties.MergeAll(custom)
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("update execution %d: %w", id, err)
	}
	if r.execution != nil && r.execution.ID == id {
		r.execution = &exec
	}
	return exec, nil
}

// Finalize closes the recording session. Unflushed metric buffers are
// discarded with a warning; commit them first with CommitMetrics.
func (r *Recorder) Finalize() {
	for name, rows := range r.metricBuffers {
		if len(rows) > 0 {
			r.logger.Warn("discarding uncommitted metric buffer", "name", name, "rows", len(rows))
		}
	}
	r.stage = nil
	r.execution = nil
	r.inputArtifacts = nil
	r.metricBuffers = make(map[string][]domain.Metadata)
}

// SetEventTimestamp pins the event time stamped on subsequent artifact logs,
// used when replaying events from a pulled document. Zero restores wall-clock
// stamping.
func (r *Recorder) SetEventTimestamp(millis int64) {
	r.eventMillis = millis
}

// requireExecution guards log calls that need an open execution.
func (r *Recorder) requireExecution(op string) error {
	if r.stage == nil || r.execution == nil {
		r.logger.Warn("log call before execution open", "op", op)
		return ErrNotOpen
	}
	return nil
}
