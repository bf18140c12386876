// Package repo defines the typed CRUD surface over the embedded metadata
// store and the sentinel errors its implementations return.
package repo

import (
	"context"
	"errors"

	"github.com/common-metadata/cmf-go/internal/domain"
)

// ErrNotFound is returned by Get* helpers when no row matches. List helpers
// return empty slices instead.
var ErrNotFound = errors.New("not found")

// ErrSchemaConflict is returned when a type is re-declared with a property
// schema that does not match the stored one. This is fatal to the caller.
var ErrSchemaConflict = errors.New("type schema conflict")

// PropertyType is a declared property value type.
type PropertyType string

const (
	PropertyString PropertyType = "STRING"
	PropertyInt    PropertyType = "INT"
	PropertyDouble PropertyType = "DOUBLE"
)

// PropertySchema declares the typed properties of an artifact, execution or
// context type. Types are auto-created on first use; later uses must match.
type PropertySchema map[string]PropertyType

// PutArtifactInput carries everything needed to create-or-merge an artifact
// and append its event and attribution in one call.
type PutArtifactInput struct {
	URI              string
	Name             string
	TypeName         string
	Schema           PropertySchema
	Properties       domain.Metadata
	CustomProperties domain.Metadata
	EventType        domain.EventType
	ExecutionID      int64
	ContextID        int64
	Millis           int64
}

// ContextStore manages pipeline and stage contexts.
type ContextStore interface {
	GetOrCreateContext(ctx context.Context, typeName, name string, schema PropertySchema, properties, custom domain.Metadata) (domain.Context, error)
	GetContextByTypeAndName(ctx context.Context, typeName, name string) (domain.Context, error)
	GetContextsByType(ctx context.Context, typeName string) ([]domain.Context, error)
	GetContextByID(ctx context.Context, id int64) (domain.Context, error)
	UpdateContext(ctx context.Context, c domain.Context) error
	AddParentContext(ctx context.Context, parentID, childID int64) error
	GetChildContexts(ctx context.Context, parentID int64) ([]domain.Context, error)
}

// ExecutionStore manages executions and their association to stages.
type ExecutionStore interface {
	// CreateExecutionInContext creates an execution under the stage context,
	// or, when createNew is false, reuses an existing execution with the
	// same (typeName, name). The bool result reports whether a new row was
	// created.
	CreateExecutionInContext(ctx context.Context, contextID int64, typeName, name string, properties, custom domain.Metadata, createNew bool) (domain.Execution, bool, error)
	UpdateExecution(ctx context.Context, e domain.Execution) error
	GetExecutionByID(ctx context.Context, id int64) (domain.Execution, error)
	GetExecutionsByContext(ctx context.Context, contextID int64) ([]domain.Execution, error)
}

// ArtifactStore manages content-addressed artifacts and their edges.
type ArtifactStore interface {
	// PutArtifact creates the artifact when URI is absent, otherwise merges
	// properties with element-set union. It always appends the event and an
	// attribution if one is missing.
	PutArtifact(ctx context.Context, in PutArtifactInput) (domain.Artifact, error)
	UpdateArtifact(ctx context.Context, a domain.Artifact) error
	GetArtifactByURI(ctx context.Context, uri string) (domain.Artifact, error)
	GetArtifactByID(ctx context.Context, id int64) (domain.Artifact, error)
	GetArtifactByName(ctx context.Context, name string) (domain.Artifact, error)
	GetArtifactsByType(ctx context.Context, typeName string) ([]domain.Artifact, error)
	GetArtifactsForExecution(ctx context.Context, executionID int64) ([]domain.Artifact, error)
	// LinkExecutionToArtifact attaches an existing artifact to an execution
	// with the given direction; it is a no-op when the event already exists.
	LinkExecutionToArtifact(ctx context.Context, executionID int64, uri, name string, eventType domain.EventType) (domain.Artifact, error)
	GetEventsByExecution(ctx context.Context, executionID int64) ([]domain.Event, error)
	GetEventsByArtifact(ctx context.Context, artifactID int64) ([]domain.Event, error)
}

// Store is the full metadata store surface.
type Store interface {
	ContextStore
	ExecutionStore
	ArtifactStore
}
