package domain

import (
	"errors"
	"strings"
)

// Well-known execution property keys. They mirror what the sync protocol
// carries on the wire, so renaming any of these is a breaking change.
const (
	PropContextType      = "Context_Type"
	PropContextID        = "Context_ID"
	PropExecution        = "Execution"
	PropGitRepo          = "Git_Repo"
	PropGitStartCommit   = "Git_Start_Commit"
	PropPipelineType     = "Pipeline_Type"
	PropPipelineID       = "Pipeline_id"
	PropExecutionUUID    = "Execution_uuid"
	PropOriginalCreateTS = "original_create_time_since_epoch"
)

// Execution is one run of a stage. Name is non-empty only for reusable
// executions (created with createNew=false).
type Execution struct {
	ID               int64
	TypeID           int64
	TypeName         string
	Name             string
	Properties       Metadata
	CustomProperties Metadata
	CreateTimeMillis int64
	UpdateTimeMillis int64
}

func (e Execution) Validate() error {
	if strings.TrimSpace(e.TypeName) == "" {
		return errors.New("execution type name is required")
	}
	return nil
}

// UUIDSet returns the execution's uuid set.
func (e Execution) UUIDSet() []string {
	return SplitSet(e.Properties.String(PropExecutionUUID))
}

// AddUUID unions uuid into the Execution_uuid property.
func (e *Execution) AddUUID(uuid string) {
	if e.Properties == nil {
		e.Properties = Metadata{}
	}
	e.Properties[PropExecutionUUID] = UnionSet(e.Properties.String(PropExecutionUUID), uuid)
}

// Reusable reports whether the execution was created with createNew=false.
func (e Execution) Reusable() bool {
	return strings.TrimSpace(e.Name) != ""
}
