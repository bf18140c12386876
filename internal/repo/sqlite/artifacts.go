package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

const artifactColumns = `a.id, a.type_id, t.name, a.uri, a.name, a.properties, a.custom_properties, a.create_time_millis, a.update_time_millis`

func (s *Store) PutArtifact(ctx context.Context, in repo.PutArtifactInput) (domain.Artifact, error) {
	uri := strings.TrimSpace(in.URI)
	if uri == "" {
		return domain.Artifact{}, errors.New("artifact uri is required")
	}

	existing, err := s.GetArtifactByURI(ctx, uri)
	switch {
	case err == nil:
		// Same content hash: merge, never duplicate.
		existing.Properties.MergeAll(in.Properties)
		existing.CustomProperties.MergeAll(in.CustomProperties)
		if err := s.UpdateArtifact(ctx, existing); err != nil {
			return domain.Artifact{}, err
		}
		if err := s.appendEventAndAttribution(ctx, existing.ID, in); err != nil {
			return domain.Artifact{}, err
		}
		return s.GetArtifactByURI(ctx, uri)
	case errors.Is(err, repo.ErrNotFound):
		// fall through to create
	default:
		return domain.Artifact{}, err
	}

	typeID, err := s.getOrCreateType(ctx, kindArtifact, in.TypeName, in.Schema)
	if err != nil {
		return domain.Artifact{}, err
	}
	propsJSON, err := encodeMetadata(in.Properties)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("encode properties: %w", err)
	}
	customJSON, err := encodeMetadata(in.CustomProperties)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("encode custom properties: %w", err)
	}
	now := in.Millis
	if now == 0 {
		now = s.nowMillis()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (type_id, uri, name, properties, custom_properties, create_time_millis, update_time_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		typeID, uri, in.Name, propsJSON, customJSON, now, now)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("artifact id: %w", err)
	}
	if err := s.appendEventAndAttribution(ctx, id, in); err != nil {
		return domain.Artifact{}, err
	}
	return domain.Artifact{
		ID:               id,
		TypeID:           typeID,
		TypeName:         in.TypeName,
		URI:              uri,
		Name:             in.Name,
		Properties:       in.Properties.Clone(),
		CustomProperties: in.CustomProperties.Clone(),
		CreateTimeMillis: now,
		UpdateTimeMillis: now,
	}, nil
}

func (s *Store) appendEventAndAttribution(ctx context.Context, artifactID int64, in repo.PutArtifactInput) error {
	if in.ExecutionID != 0 {
		millis := in.Millis
		if millis == 0 {
			millis = s.nowMillis()
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (execution_id, artifact_id, type, millis) VALUES (?, ?, ?, ?)`,
			in.ExecutionID, artifactID, int(in.EventType), millis); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if in.ContextID != 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO attributions (context_id, artifact_id) VALUES (?, ?)`,
			in.ContextID, artifactID); err != nil {
			return fmt.Errorf("insert attribution: %w", err)
		}
	}
	return nil
}

func (s *Store) UpdateArtifact(ctx context.Context, a domain.Artifact) error {
	if a.ID == 0 {
		return errors.New("artifact id is required")
	}
	propsJSON, err := encodeMetadata(a.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	customJSON, err := encodeMetadata(a.CustomProperties)
	if err != nil {
		return fmt.Errorf("encode custom properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE artifacts SET name = ?, properties = ?, custom_properties = ?, update_time_millis = ? WHERE id = ?`,
		a.Name, propsJSON, customJSON, s.nowMillis(), a.ID)
	if err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}
	return nil
}

func (s *Store) GetArtifactByURI(ctx context.Context, uri string) (domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts a JOIN types t ON t.id = a.type_id WHERE a.uri = ?`, uri)
	return scanArtifact(row)
}

func (s *Store) GetArtifactByID(ctx context.Context, id int64) (domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts a JOIN types t ON t.id = a.type_id WHERE a.id = ?`, id)
	return scanArtifact(row)
}

func (s *Store) GetArtifactByName(ctx context.Context, name string) (domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts a JOIN types t ON t.id = a.type_id WHERE a.name = ?`, name)
	return scanArtifact(row)
}

func (s *Store) GetArtifactsByType(ctx context.Context, typeName string) ([]domain.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts a JOIN types t ON t.id = a.type_id
		 WHERE t.kind = ? AND t.name = ? ORDER BY a.id`, kindArtifact, typeName)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *Store) GetArtifactsForExecution(ctx context.Context, executionID int64) ([]domain.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT `+artifactColumns+` FROM artifacts a
		 JOIN types t ON t.id = a.type_id
		 JOIN events ev ON ev.artifact_id = a.id
		 WHERE ev.execution_id = ? ORDER BY a.id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list execution artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *Store) LinkExecutionToArtifact(ctx context.Context, executionID int64, uri, name string, eventType domain.EventType) (domain.Artifact, error) {
	artifact, err := s.GetArtifactByURI(ctx, uri)
	if err != nil {
		return domain.Artifact{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (execution_id, artifact_id, type, millis) VALUES (?, ?, ?, ?)`,
		executionID, artifact.ID, int(eventType), s.nowMillis())
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("insert event: %w", err)
	}
	return artifact, nil
}

func (s *Store) GetEventsByExecution(ctx context.Context, executionID int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, artifact_id, type, millis FROM events WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) GetEventsByArtifact(ctx context.Context, artifactID int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, artifact_id, type, millis FROM events WHERE artifact_id = ? ORDER BY id`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanArtifact(sc rowScanner) (domain.Artifact, error) {
	var (
		a         domain.Artifact
		propsRaw  string
		customRaw string
	)
	if err := sc.Scan(&a.ID, &a.TypeID, &a.TypeName, &a.URI, &a.Name, &propsRaw, &customRaw, &a.CreateTimeMillis, &a.UpdateTimeMillis); err != nil {
		return domain.Artifact{}, handleNotFound(err)
	}
	props, err := decodeMetadata(propsRaw)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("decode properties: %w", err)
	}
	custom, err := decodeMetadata(customRaw)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("decode custom properties: %w", err)
	}
	a.Properties = props
	a.CustomProperties = custom
	return a, nil
}

func scanArtifacts(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]domain.Artifact, error) {
	out := make([]domain.Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan artifacts: %w", err)
	}
	return out, nil
}

func scanEvents(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]domain.Event, error) {
	out := make([]domain.Event, 0)
	for rows.Next() {
		var (
			ev domain.Event
			t  int
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.ArtifactID, &t, &ev.Millis); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(t)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}
