package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/common-metadata/cmf-go/internal/domain"
)

// Document is the portable pipeline subgraph, the sync protocol's wire
// format. Field names and nesting are fixed: both sides of the push/pull
// protocol parse this shape.
type Document struct {
	Pipeline []PipelineDoc `json:"Pipeline"`
}

type PipelineDoc struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Properties domain.Metadata `json:"properties"`
	Stages     []StageDoc      `json:"stages"`
	Artifacts  []ArtifactDoc   `json:"artifacts"`
}

type StageDoc struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Properties domain.Metadata `json:"properties"`
	Executions []ExecutionDoc  `json:"executions"`
}

type ExecutionDoc struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	Properties       domain.Metadata `json:"properties"`
	CustomProperties domain.Metadata `json:"custom_properties"`
	Events           []EventDoc      `json:"events"`
}

type EventDoc struct {
	ArtifactID int64  `json:"artifact_id"`
	Type       string `json:"type"`
	Millis     int64  `json:"milliseconds_since_epoch"`
}

type ArtifactDoc struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	URI              string          `json:"uri"`
	Properties       domain.Metadata `json:"properties"`
	CustomProperties domain.Metadata `json:"custom_properties"`
}

// Export serializes a pipeline subgraph. When execUUID is non-empty, only
// executions whose Execution_uuid set contains it are included, along with
// the artifacts they reference.
func (s *Service) Export(ctx context.Context, pipeline, execUUID string) (Document, error) {
	pc, err := s.Pipeline(ctx, pipeline)
	if err != nil {
		return Document{}, fmt.Errorf("load pipeline %s: %w", pipeline, err)
	}

	doc := PipelineDoc{
		ID:         pc.ID,
		Name:       pc.Name,
		Properties: pc.CustomProperties,
	}

	stages, err := s.store.GetChildContexts(ctx, pc.ID)
	if err != nil {
		return Document{}, err
	}

	artifactsByID := make(map[int64]ArtifactDoc)
	for _, stage := range stages {
		stageDoc := StageDoc{
			ID:         stage.ID,
			Name:       stage.Name,
			Properties: stage.CustomProperties,
		}

		execs, err := s.store.GetExecutionsByContext(ctx, stage.ID)
		if err != nil {
			return Document{}, err
		}
		for _, exec := range execs {
			if execUUID != "" && !containsUUID(exec.UUIDSet(), execUUID) {
				continue
			}
			execDoc := ExecutionDoc{
				ID:               exec.ID,
				Name:             exec.Name,
				Type:             exec.TypeName,
				Properties:       exec.Properties,
				CustomProperties: exec.CustomProperties,
			}
			events, err := s.store.GetEventsByExecution(ctx, exec.ID)
			if err != nil {
				return Document{}, err
			}
			for _, ev := range events {
				execDoc.Events = append(execDoc.Events, EventDoc{
					ArtifactID: ev.ArtifactID,
					Type:       ev.Type.String(),
					Millis:     ev.Millis,
				})
				if _, ok := artifactsByID[ev.ArtifactID]; !ok {
					artifact, err := s.store.GetArtifactByID(ctx, ev.ArtifactID)
					if err != nil {
						return Document{}, fmt.Errorf("load artifact %d: %w", ev.ArtifactID, err)
					}
					artifactsByID[ev.ArtifactID] = ArtifactDoc{
						ID:               artifact.ID,
						Name:             artifact.Name,
						Type:             artifact.TypeName,
						URI:              artifact.URI,
						Properties:       artifact.Properties,
						CustomProperties: artifact.CustomProperties,
					}
				}
			}
			stageDoc.Executions = append(stageDoc.Executions, execDoc)
		}
		doc.Stages = append(doc.Stages, stageDoc)
	}

	// Deterministic artifact order: ascending id.
	ids := make([]int64, 0, len(artifactsByID))
	for id := range artifactsByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		doc.Artifacts = append(doc.Artifacts, artifactsByID[id])
	}

	return Document{Pipeline: []PipelineDoc{doc}}, nil
}

// DumpToJSON renders the export as JSON bytes.
func (s *Service) DumpToJSON(ctx context.Context, pipeline, execUUID string) ([]byte, error) {
	doc, err := s.Export(ctx, pipeline, execUUID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline document: %w", err)
	}
	return raw, nil
}

// ParseDocument decodes a pipeline document, rejecting payloads without a
// pipeline entry.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode pipeline document: %w", err)
	}
	if len(doc.Pipeline) == 0 {
		return Document{}, fmt.Errorf("pipeline document has no pipeline entry")
	}
	return doc, nil
}

func containsUUID(set []string, uuid string) bool {
	for _, u := range set {
		if u == uuid {
			return true
		}
	}
	return false
}
