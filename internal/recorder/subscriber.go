package recorder

import (
	"context"

	"github.com/common-metadata/cmf-go/internal/domain"
)

// ArtifactEventInfo describes one execution⇄artifact edge as it is recorded.
// Inputs holds the artifacts consumed by the execution so far; it is only
// populated for OUTPUT events, so a subscriber can link an output to the
// input set that produced it.
type ArtifactEventInfo struct {
	Pipeline  domain.Context
	Stage     domain.Context
	Execution domain.Execution
	Artifact  domain.Artifact
	Type      domain.EventType
	Inputs    []domain.Artifact
}

// Subscriber observes lineage as it is recorded. Implementations mirror the
// graph into external systems; their errors are logged by the recorder and
// never fail the store write.
type Subscriber interface {
	PipelineOpened(ctx context.Context, pipeline domain.Context) error
	StageOpened(ctx context.Context, pipeline, stage domain.Context) error
	ExecutionOpened(ctx context.Context, pipeline, stage domain.Context, execution domain.Execution) error
	ArtifactEvent(ctx context.Context, info ArtifactEventInfo) error
}

func (r *Recorder) notifyPipeline(ctx context.Context, pipeline domain.Context) {
	for _, s := range r.subscribers {
		if err := s.PipelineOpened(ctx, pipeline); err != nil {
			r.logger.Warn("subscriber pipeline notification failed", "error", err)
		}
	}
}

func (r *Recorder) notifyStage(ctx context.Context, stage domain.Context) {
	for _, s := range r.subscribers {
		if err := s.StageOpened(ctx, r.pipeline, stage); err != nil {
			r.logger.Warn("subscriber stage notification failed", "error", err)
		}
	}
}

func (r *Recorder) notifyExecution(ctx context.Context, execution domain.Execution) {
	for _, s := range r.subscribers {
		if err := s.ExecutionOpened(ctx, r.pipeline, *r.stage, execution); err != nil {
			r.logger.Warn("subscriber execution notification failed", "error", err)
		}
	}
}

func (r *Recorder) notifyArtifact(ctx context.Context, artifact domain.Artifact, eventType domain.EventType) {
	info := ArtifactEventInfo{
		Pipeline:  r.pipeline,
		Stage:     *r.stage,
		Execution: *r.execution,
		Artifact:  artifact,
		Type:      eventType,
	}
	if eventType == domain.EventOutput {
		info.Inputs = append([]domain.Artifact(nil), r.inputArtifacts...)
	}
	for _, s := range r.subscribers {
		if err := s.ArtifactEvent(ctx, info); err != nil {
			r.logger.Warn("subscriber artifact notification failed", "error", err)
		}
	}
}
