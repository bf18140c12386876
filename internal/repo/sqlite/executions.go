package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

const executionColumns = `e.id, e.type_id, t.name, e.name, e.properties, e.custom_properties, e.create_time_millis, e.update_time_millis`

func (s *Store) CreateExecutionInContext(ctx context.Context, contextID int64, typeName, name string, properties, custom domain.Metadata, createNew bool) (domain.Execution, bool, error) {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return domain.Execution{}, false, errors.New("execution type name is required")
	}
	typeID, err := s.getOrCreateType(ctx, kindExecution, typeName, nil)
	if err != nil {
		return domain.Execution{}, false, err
	}

	// Reusable executions carry a name; look one up by (type, name) first.
	if !createNew {
		existing, err := s.executionByTypeIDAndName(ctx, typeID, name)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Execution{}, false, err
		}
	} else {
		// New executions never carry a name: the name column is the reuse key.
		name = ""
	}

	propsJSON, err := encodeMetadata(properties)
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("encode properties: %w", err)
	}
	customJSON, err := encodeMetadata(custom)
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("encode custom properties: %w", err)
	}
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (type_id, name, properties, custom_properties, create_time_millis, update_time_millis)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		typeID, name, propsJSON, customJSON, now, now)
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("insert execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("execution id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO associations (context_id, execution_id) VALUES (?, ?)`, contextID, id); err != nil {
		return domain.Execution{}, false, fmt.Errorf("insert association: %w", err)
	}
	return domain.Execution{
		ID:               id,
		TypeID:           typeID,
		TypeName:         typeName,
		Name:             name,
		Properties:       properties.Clone(),
		CustomProperties: custom.Clone(),
		CreateTimeMillis: now,
		UpdateTimeMillis: now,
	}, true, nil
}

func (s *Store) UpdateExecution(ctx context.Context, e domain.Execution) error {
	if e.ID == 0 {
		return errors.New("execution id is required")
	}
	propsJSON, err := encodeMetadata(e.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	customJSON, err := encodeMetadata(e.CustomProperties)
	if err != nil {
		return fmt.Errorf("encode custom properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE executions SET properties = ?, custom_properties = ?, update_time_millis = ? WHERE id = ?`,
		propsJSON, customJSON, s.nowMillis(), e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecutionByID(ctx context.Context, id int64) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions e JOIN types t ON t.id = e.type_id WHERE e.id = ?`, id)
	return scanExecution(row)
}

func (s *Store) GetExecutionsByContext(ctx context.Context, contextID int64) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions e
		 JOIN types t ON t.id = e.type_id
		 JOIN associations a ON a.execution_id = e.id
		 WHERE a.context_id = ? ORDER BY e.id`, contextID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan executions: %w", err)
	}
	return out, nil
}

func (s *Store) executionByTypeIDAndName(ctx context.Context, typeID int64, name string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions e JOIN types t ON t.id = e.type_id
		 WHERE e.type_id = ? AND e.name = ? AND e.name != ''`, typeID, name)
	return scanExecution(row)
}

func scanExecution(sc rowScanner) (domain.Execution, error) {
	var (
		e         domain.Execution
		propsRaw  string
		customRaw string
		name      sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.TypeID, &e.TypeName, &name, &propsRaw, &customRaw, &e.CreateTimeMillis, &e.UpdateTimeMillis); err != nil {
		return domain.Execution{}, handleNotFound(err)
	}
	e.Name = name.String
	props, err := decodeMetadata(propsRaw)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("decode properties: %w", err)
	}
	custom, err := decodeMetadata(customRaw)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("decode custom properties: %w", err)
	}
	e.Properties = props
	e.CustomProperties = custom
	return e, nil
}
