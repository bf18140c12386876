// Package query reads the metadata store for reporting, duplicate detection
// during sync, and filtered export. Everything here is read-only.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

type Service struct {
	store repo.Store
}

func New(store repo.Store) *Service {
	return &Service{store: store}
}

// Pipelines lists every pipeline context.
func (s *Service) Pipelines(ctx context.Context) ([]domain.Context, error) {
	return s.store.GetContextsByType(ctx, domain.ContextTypePipeline)
}

// Pipeline returns the pipeline context by name.
func (s *Service) Pipeline(ctx context.Context, name string) (domain.Context, error) {
	return s.store.GetContextByTypeAndName(ctx, domain.ContextTypePipeline, name)
}

// PipelineExists reports whether the named pipeline is present.
func (s *Service) PipelineExists(ctx context.Context, name string) (bool, error) {
	_, err := s.Pipeline(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Stages lists the stages of a pipeline.
func (s *Service) Stages(ctx context.Context, pipeline string) ([]domain.Context, error) {
	pc, err := s.Pipeline(ctx, pipeline)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.store.GetChildContexts(ctx, pc.ID)
}

// ExecutionsInStage lists the executions of one stage context.
func (s *Service) ExecutionsInStage(ctx context.Context, stageID int64) ([]domain.Execution, error) {
	return s.store.GetExecutionsByContext(ctx, stageID)
}

// ExecutionsInPipeline lists every execution of every stage of a pipeline.
func (s *Service) ExecutionsInPipeline(ctx context.Context, pipeline string) ([]domain.Execution, error) {
	stages, err := s.Stages(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var out []domain.Execution
	for _, stage := range stages {
		execs, err := s.store.GetExecutionsByContext(ctx, stage.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, execs...)
	}
	return out, nil
}

// ExecutionUUIDs collects the union of Execution_uuid sets across a
// pipeline, used by the server to detect already-merged pushes.
func (s *Service) ExecutionUUIDs(ctx context.Context, pipeline string) ([]string, error) {
	execs, err := s.ExecutionsInPipeline(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range execs {
		for _, u := range e.UUIDSet() {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out, nil
}

// ArtifactsForExecution lists the artifacts attached to one execution.
func (s *Service) ArtifactsForExecution(ctx context.Context, executionID int64) ([]domain.Artifact, error) {
	return s.store.GetArtifactsForExecution(ctx, executionID)
}

// ArtifactByID loads one artifact.
func (s *Service) ArtifactByID(ctx context.Context, id int64) (domain.Artifact, error) {
	return s.store.GetArtifactByID(ctx, id)
}

// ArtifactByName loads one artifact by its stored name.
func (s *Service) ArtifactByName(ctx context.Context, name string) (domain.Artifact, error) {
	return s.store.GetArtifactByName(ctx, name)
}

// ExecutionByID loads one execution.
func (s *Service) ExecutionByID(ctx context.Context, id int64) (domain.Execution, error) {
	return s.store.GetExecutionByID(ctx, id)
}

// ExecutionsByArtifact lists the executions connected to an artifact with
// the given direction.
func (s *Service) ExecutionsByArtifact(ctx context.Context, uri string, direction domain.EventType) ([]domain.Execution, error) {
	artifact, err := s.store.GetArtifactByURI(ctx, uri)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	events, err := s.store.GetEventsByArtifact(ctx, artifact.ID)
	if err != nil {
		return nil, err
	}
	var out []domain.Execution
	for _, ev := range events {
		if ev.Type != direction {
			continue
		}
		exec, err := s.store.GetExecutionByID(ctx, ev.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("load execution %d: %w", ev.ExecutionID, err)
		}
		out = append(out, exec)
	}
	return out, nil
}

// UpstreamArtifacts walks the lineage backwards from uri: the inputs of the
// executions that produced it, transitively. The walk is cycle-safe.
func (s *Service) UpstreamArtifacts(ctx context.Context, uri string) ([]domain.Artifact, error) {
	seen := make(map[string]struct{})
	var out []domain.Artifact

	frontier := []string{uri}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if _, ok := seen[current]; ok {
			continue
		}
		seen[current] = struct{}{}

		producers, err := s.ExecutionsByArtifact(ctx, current, domain.EventOutput)
		if err != nil {
			return nil, err
		}
		for _, producer := range producers {
			events, err := s.store.GetEventsByExecution(ctx, producer.ID)
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				if ev.Type != domain.EventInput {
					continue
				}
				input, err := s.store.GetArtifactByID(ctx, ev.ArtifactID)
				if err != nil {
					return nil, err
				}
				if _, ok := seen[input.URI]; ok {
					continue
				}
				out = append(out, input)
				frontier = append(frontier, input.URI)
			}
		}
	}
	return out, nil
}
