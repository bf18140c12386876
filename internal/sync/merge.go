package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/query"
	"github.com/common-metadata/cmf-go/internal/recorder"
)

// Apply merges a pipeline document into the store behind rec. Contexts are
// reused by (type, name), executions by Execution_uuid overlap with
// set-union, artifacts by uri; events are appended only when absent and keep
// the timestamps the document carries. The routine is idempotent: applying
// the same document twice converges.
func Apply(ctx context.Context, rec *recorder.Recorder, doc query.Document) error {
	if len(doc.Pipeline) == 0 {
		return fmt.Errorf("empty pipeline document")
	}
	p := doc.Pipeline[0]
	defer rec.SetEventTimestamp(0)

	artifactsByID := make(map[int64]query.ArtifactDoc, len(p.Artifacts))
	for _, a := range p.Artifacts {
		artifactsByID[a.ID] = a
	}

	for _, stage := range p.Stages {
		if _, err := rec.MergeCreatedContext(ctx, stage.Name, stage.Properties); err != nil {
			return err
		}
		for _, exec := range stage.Executions {
			if _, err := rec.MergeCreatedExecution(ctx, exec.Name, exec.Properties, exec.CustomProperties); err != nil {
				return err
			}
			for _, ev := range exec.Events {
				artifact, ok := artifactsByID[ev.ArtifactID]
				if !ok {
					return fmt.Errorf("event references unknown artifact %d", ev.ArtifactID)
				}
				rec.SetEventTimestamp(ev.Millis)
				if err := applyArtifact(ctx, rec, artifact, domain.ParseEventType(strings.ToLower(ev.Type))); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyArtifact dispatches one document artifact to the ingest operation of
// its type.
func applyArtifact(ctx context.Context, rec *recorder.Recorder, a query.ArtifactDoc, event domain.EventType) error {
	path := baseName(a.Name)
	custom := a.CustomProperties

	var err error
	switch a.Type {
	case domain.ArtifactTypeModel:
		props := a.Properties
		_, err = rec.LogModelWithVersion(ctx, path, a.URI, event,
			props.String("model_framework"), props.String("model_type"), props.String("model_name"), custom)
	case domain.ArtifactTypeMetrics:
		_, err = rec.LogExecutionMetricsFromClient(ctx, a.Name, a.URI, custom)
	case domain.ArtifactTypeStepMetrics:
		_, err = rec.CommitExistingMetrics(ctx, path, a.URI, custom)
	case domain.ArtifactTypeDataslice:
		_, err = rec.CreateDataslice(path).CommitExisting(ctx, a.URI, custom)
	case domain.ArtifactTypeLabel:
		_, err = rec.LogLabelWithVersion(ctx, path, a.URI, event, custom)
	case domain.ArtifactTypeEnvironment:
		_, err = rec.LogPythonEnvFromClient(ctx, a.Name, a.URI, custom)
	default:
		_, err = rec.LogDatasetWithVersion(ctx, path, a.URI, event, custom)
	}
	if err != nil {
		return fmt.Errorf("merge artifact %s: %w", a.Name, err)
	}
	return nil
}

func baseName(name string) string {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i]
	}
	return name
}
