package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

// LogMetric appends one row to the in-memory buffer for name. Nothing is
// written to the store until CommitMetrics.
func (r *Recorder) LogMetric(name string, props domain.Metadata) error {
	if err := r.requireExecution("log_metric"); err != nil {
		return err
	}
	row := props.Clone()
	row["SeqNo"] = int64(len(r.metricBuffers[name]))
	r.metricBuffers[name] = append(r.metricBuffers[name], row)
	return nil
}

// CommitMetrics serializes the buffered rows for name to a tabular file
// (one JSON object per line), hashes and tracks it, records a Step_Metrics
// artifact and clears the buffer.
func (r *Recorder) CommitMetrics(ctx context.Context, name string) (domain.Artifact, error) {
	if err := r.requireExecution("commit_metrics"); err != nil {
		return domain.Artifact{}, err
	}
	rows, ok := r.metricBuffers[name]
	if !ok || len(rows) == 0 {
		return domain.Artifact{}, fmt.Errorf("no buffered metrics for %q", name)
	}

	if err := writeMetricRows(name, rows); err != nil {
		return domain.Artifact{}, err
	}
	digest, err := cas.Track(name, r.cacheDir)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("track metrics %s: %w", name, err)
	}

	artifactName := fmt.Sprintf("%s:%s:%d:%s", name, digest.Hash, r.execution.ID, uuid.NewString())
	artifact, err := r.logArtifact(ctx, repo.PutArtifactInput{
		URI:      digest.Hash,
		Name:     artifactName,
		TypeName: domain.ArtifactTypeStepMetrics,
		Properties: domain.Metadata{
			"Commit": digest.Hash,
			"url":    cas.ArtifactURL(r.pipeline.Name, r.artifactRepo, digest.Hash),
		},
		EventType: domain.EventOutput,
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	delete(r.metricBuffers, name)
	return artifact, nil
}

// CommitExistingMetrics records an already serialized metrics file with a
// known hash, the ingest counterpart of CommitMetrics.
func (r *Recorder) CommitExistingMetrics(ctx context.Context, path, hash string, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("commit_existing_metrics"); err != nil {
		return domain.Artifact{}, err
	}
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:      hash,
		Name:     path + ":" + hash,
		TypeName: domain.ArtifactTypeStepMetrics,
		Properties: domain.Metadata{
			"Commit": hash,
			"url":    cas.ArtifactURL(r.pipeline.Name, r.artifactRepo, hash),
		},
		CustomProperties: custom,
		EventType:        domain.EventOutput,
	})
}

// LogExecutionMetrics records a single-point Metrics artifact for the open
// execution: the scalar values live in the property bag and the uri is a
// random uuid, as there is no file to hash.
func (r *Recorder) LogExecutionMetrics(ctx context.Context, name string, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_execution_metrics"); err != nil {
		return domain.Artifact{}, err
	}
	uri := uuid.NewString()
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:              uri,
		Name:             fmt.Sprintf("%s:%s:%d", name, uri, r.execution.ID),
		TypeName:         domain.ArtifactTypeMetrics,
		CustomProperties: custom,
		EventType:        domain.EventOutput,
	})
}

// LogExecutionMetricsFromClient ingests a Metrics artifact pushed from
// another site, keeping its original uri and name.
func (r *Recorder) LogExecutionMetricsFromClient(ctx context.Context, name, uri string, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_execution_metrics_from_client"); err != nil {
		return domain.Artifact{}, err
	}
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:              uri,
		Name:             name,
		TypeName:         domain.ArtifactTypeMetrics,
		CustomProperties: custom,
		EventType:        domain.EventOutput,
	})
}

func writeMetricRows(path string, rows []domain.Metadata) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("write metrics row: %w", err)
		}
	}
	return f.Close()
}
