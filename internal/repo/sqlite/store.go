// Package sqlite implements the metadata store on a single-file embedded
// database. Nodes carry their property bags as JSON columns; typed schemas
// are recorded per type name and enforced on reuse.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	kindContext   = "context"
	kindExecution = "execution"
	kindArtifact  = "artifact"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		property_schema TEXT NOT NULL DEFAULT '{}',
		UNIQUE(kind, name)
	)`,
	`CREATE TABLE IF NOT EXISTS contexts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL REFERENCES types(id),
		name TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		custom_properties TEXT NOT NULL DEFAULT '{}',
		create_time_millis INTEGER NOT NULL,
		update_time_millis INTEGER NOT NULL,
		UNIQUE(type_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL REFERENCES types(id),
		name TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}',
		custom_properties TEXT NOT NULL DEFAULT '{}',
		create_time_millis INTEGER NOT NULL,
		update_time_millis INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL REFERENCES types(id),
		uri TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}',
		custom_properties TEXT NOT NULL DEFAULT '{}',
		create_time_millis INTEGER NOT NULL,
		update_time_millis INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id INTEGER NOT NULL REFERENCES executions(id),
		artifact_id INTEGER NOT NULL REFERENCES artifacts(id),
		type INTEGER NOT NULL,
		millis INTEGER NOT NULL,
		UNIQUE(execution_id, artifact_id, type)
	)`,
	`CREATE TABLE IF NOT EXISTS attributions (
		context_id INTEGER NOT NULL REFERENCES contexts(id),
		artifact_id INTEGER NOT NULL REFERENCES artifacts(id),
		UNIQUE(context_id, artifact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS associations (
		context_id INTEGER NOT NULL REFERENCES contexts(id),
		execution_id INTEGER NOT NULL REFERENCES executions(id),
		UNIQUE(context_id, execution_id)
	)`,
	`CREATE TABLE IF NOT EXISTS parent_contexts (
		parent_id INTEGER NOT NULL REFERENCES contexts(id),
		child_id INTEGER NOT NULL REFERENCES contexts(id),
		UNIQUE(parent_id, child_id)
	)`,
}

// Store is the embedded metadata store. It satisfies repo.Store.
type Store struct {
	db  DB
	now func() time.Time
}

func New(db DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Init creates the store tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// getOrCreateType records the type on first use and enforces the declared
// property schema on reuse. A mismatching redeclaration is fatal.
func (s *Store) getOrCreateType(ctx context.Context, kind, name string, declared repo.PropertySchema) (int64, error) {
	if declared == nil {
		declared = repo.PropertySchema{}
	}
	var (
		id        int64
		storedRaw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, property_schema FROM types WHERE kind = ? AND name = ?`, kind, name,
	).Scan(&id, &storedRaw)
	switch {
	case err == nil:
		var stored repo.PropertySchema
		if err := json.Unmarshal([]byte(storedRaw), &stored); err != nil {
			return 0, fmt.Errorf("decode type schema: %w", err)
		}
		if !schemaCompatible(stored, declared) {
			return 0, fmt.Errorf("type %q: %w", name, repo.ErrSchemaConflict)
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		raw, err := json.Marshal(declared)
		if err != nil {
			return 0, fmt.Errorf("encode type schema: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO types (kind, name, property_schema) VALUES (?, ?, ?)`, kind, name, string(raw))
		if err != nil {
			return 0, fmt.Errorf("insert type: %w", err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("lookup type: %w", err)
	}
}

// schemaCompatible accepts declarations that add new properties but rejects
// a changed type for any property both schemas declare.
func schemaCompatible(stored, declared repo.PropertySchema) bool {
	for key, dt := range declared {
		if st, ok := stored[key]; ok && st != dt {
			return false
		}
	}
	return true
}

func (s *Store) typeNameByID(ctx context.Context, id int64) (string, error) {
	var name string
	if err := s.db.QueryRowContext(ctx, `SELECT name FROM types WHERE id = ?`, id).Scan(&name); err != nil {
		return "", handleNotFound(err)
	}
	return name, nil
}

func encodeMetadata(meta domain.Metadata) (string, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (domain.Metadata, error) {
	if raw == "" {
		return domain.Metadata{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return domain.Metadata(out), nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
