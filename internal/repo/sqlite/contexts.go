package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

const contextColumns = `c.id, c.type_id, t.name, c.name, c.properties, c.custom_properties, c.create_time_millis, c.update_time_millis`

func (s *Store) GetOrCreateContext(ctx context.Context, typeName, name string, schema repo.PropertySchema, properties, custom domain.Metadata) (domain.Context, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Context{}, errors.New("context name is required")
	}
	typeID, err := s.getOrCreateType(ctx, kindContext, typeName, schema)
	if err != nil {
		return domain.Context{}, err
	}

	existing, err := s.contextByTypeIDAndName(ctx, typeID, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Context{}, err
	}

	propsJSON, err := encodeMetadata(properties)
	if err != nil {
		return domain.Context{}, fmt.Errorf("encode properties: %w", err)
	}
	customJSON, err := encodeMetadata(custom)
	if err != nil {
		return domain.Context{}, fmt.Errorf("encode custom properties: %w", err)
	}
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (type_id, name, properties, custom_properties, create_time_millis, update_time_millis)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		typeID, name, propsJSON, customJSON, now, now)
	if err != nil {
		return domain.Context{}, fmt.Errorf("insert context: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Context{}, fmt.Errorf("context id: %w", err)
	}
	return domain.Context{
		ID:               id,
		TypeID:           typeID,
		TypeName:         typeName,
		Name:             name,
		Properties:       properties.Clone(),
		CustomProperties: custom.Clone(),
		CreateTimeMillis: now,
		UpdateTimeMillis: now,
	}, nil
}

func (s *Store) GetContextByTypeAndName(ctx context.Context, typeName, name string) (domain.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contextColumns+` FROM contexts c JOIN types t ON t.id = c.type_id
		 WHERE t.kind = ? AND t.name = ? AND c.name = ?`,
		kindContext, typeName, name)
	return scanContextRow(row)
}

func (s *Store) GetContextByID(ctx context.Context, id int64) (domain.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contextColumns+` FROM contexts c JOIN types t ON t.id = c.type_id WHERE c.id = ?`, id)
	return scanContextRow(row)
}

func (s *Store) GetContextsByType(ctx context.Context, typeName string) ([]domain.Context, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contextColumns+` FROM contexts c JOIN types t ON t.id = c.type_id
		 WHERE t.kind = ? AND t.name = ? ORDER BY c.id`,
		kindContext, typeName)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()
	return scanContexts(rows)
}

func (s *Store) UpdateContext(ctx context.Context, c domain.Context) error {
	if c.ID == 0 {
		return errors.New("context id is required")
	}
	propsJSON, err := encodeMetadata(c.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	customJSON, err := encodeMetadata(c.CustomProperties)
	if err != nil {
		return fmt.Errorf("encode custom properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE contexts SET properties = ?, custom_properties = ?, update_time_millis = ? WHERE id = ?`,
		propsJSON, customJSON, s.nowMillis(), c.ID)
	if err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	return nil
}

func (s *Store) AddParentContext(ctx context.Context, parentID, childID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO parent_contexts (parent_id, child_id) VALUES (?, ?)`, parentID, childID)
	if err != nil {
		return fmt.Errorf("insert parent context: %w", err)
	}
	return nil
}

func (s *Store) GetChildContexts(ctx context.Context, parentID int64) ([]domain.Context, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contextColumns+` FROM contexts c
		 JOIN types t ON t.id = c.type_id
		 JOIN parent_contexts pc ON pc.child_id = c.id
		 WHERE pc.parent_id = ? ORDER BY c.id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child contexts: %w", err)
	}
	defer rows.Close()
	return scanContexts(rows)
}

func (s *Store) contextByTypeIDAndName(ctx context.Context, typeID int64, name string) (domain.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contextColumns+` FROM contexts c JOIN types t ON t.id = c.type_id
		 WHERE c.type_id = ? AND c.name = ?`, typeID, name)
	return scanContextRow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(sc rowScanner) (domain.Context, error) {
	var (
		c         domain.Context
		propsRaw  string
		customRaw string
	)
	if err := sc.Scan(&c.ID, &c.TypeID, &c.TypeName, &c.Name, &propsRaw, &customRaw, &c.CreateTimeMillis, &c.UpdateTimeMillis); err != nil {
		return domain.Context{}, handleNotFound(err)
	}
	props, err := decodeMetadata(propsRaw)
	if err != nil {
		return domain.Context{}, fmt.Errorf("decode properties: %w", err)
	}
	custom, err := decodeMetadata(customRaw)
	if err != nil {
		return domain.Context{}, fmt.Errorf("decode custom properties: %w", err)
	}
	c.Properties = props
	c.CustomProperties = custom
	return c, nil
}

func scanContextRow(row rowScanner) (domain.Context, error) {
	return scanContext(row)
}

func scanContexts(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]domain.Context, error) {
	out := make([]domain.Context, 0)
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan contexts: %w", err)
	}
	return out, nil
}
