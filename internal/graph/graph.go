// Package graph mirrors recorded lineage into Neo4j. The mirror is a
// write-through projection for visualization: every upsert is a MERGE keyed
// by name or uri, so replaying the same lineage is idempotent. A failed
// mirror write never fails the metadata store write; the recorder logs the
// returned error and moves on.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/recorder"
)

// Config is the Neo4j connection configuration, typically sourced from the
// NEO4J_URI, NEO4J_USER_NAME and NEO4J_PASSWD environment variables or the
// neo4j config section.
type Config struct {
	URI      string
	User     string
	Password string
}

// Mirror implements recorder.Subscriber against a Neo4j database.
type Mirror struct {
	driver neo4j.DriverWithContext
}

var _ recorder.Subscriber = (*Mirror)(nil)

func New(cfg Config) (*Mirror, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("connect graph db: %w", err)
	}
	return &Mirror{driver: driver}, nil
}

func (m *Mirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

func (m *Mirror) PipelineOpened(ctx context.Context, pipeline domain.Context) error {
	return m.run(ctx,
		`MERGE (p:Pipeline {name: $name}) SET p.id = $id`,
		map[string]any{"name": pipeline.Name, "id": pipeline.ID})
}

func (m *Mirror) StageOpened(ctx context.Context, pipeline, stage domain.Context) error {
	return m.run(ctx,
		`MERGE (p:Pipeline {name: $pipeline})
		 MERGE (s:Stage {name: $stage})
		 SET s.id = $id
		 MERGE (p)-[:contains]->(s)`,
		map[string]any{"pipeline": pipeline.Name, "stage": stage.Name, "id": stage.ID})
}

func (m *Mirror) ExecutionOpened(ctx context.Context, pipeline, stage domain.Context, execution domain.Execution) error {
	return m.run(ctx,
		`MERGE (s:Stage {name: $stage})
		 MERGE (e:Execution {uuid: $uuid})
		 SET e.id = $id, e.command = $command, e.pipeline = $pipeline
		 MERGE (s)-[:runs]->(e)`,
		map[string]any{
			"stage":    stage.Name,
			"uuid":     execution.Properties.String(domain.PropExecutionUUID),
			"id":       execution.ID,
			"command":  execution.Properties.String(domain.PropExecution),
			"pipeline": pipeline.Name,
		})
}

func (m *Mirror) ArtifactEvent(ctx context.Context, info recorder.ArtifactEventInfo) error {
	rel := "produces"
	if info.Type == domain.EventInput {
		rel = "consumes"
	}
	err := m.run(ctx, fmt.Sprintf(
		`MERGE (e:Execution {uuid: $uuid})
		 MERGE (a:Artifact {uri: $uri})
		 SET a.name = $name, a.type = $type
		 MERGE (e)-[:%s]->(a)`, rel),
		map[string]any{
			"uuid": info.Execution.Properties.String(domain.PropExecutionUUID),
			"uri":  info.Artifact.URI,
			"name": info.Artifact.Name,
			"type": info.Artifact.TypeName,
		})
	if err != nil {
		return err
	}

	// Outputs additionally derive from the inputs consumed so far, giving
	// the artifact-to-artifact lineage the UI walks.
	if info.Type != domain.EventOutput {
		return nil
	}
	for _, input := range info.Inputs {
		if err := m.run(ctx,
			`MERGE (in:Artifact {uri: $in})
			 MERGE (out:Artifact {uri: $out})
			 MERGE (out)-[:derived_from]->(in)`,
			map[string]any{"in": input.URI, "out": info.Artifact.URI}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) run(ctx context.Context, query string, params map[string]any) error {
	if _, err := neo4j.ExecuteQuery(ctx, m.driver, query, params, neo4j.EagerResultTransformer); err != nil {
		return fmt.Errorf("graph write: %w", err)
	}
	return nil
}
