package domain

import (
	"errors"
	"strings"
)

// Context type names. A pipeline is a Parent_Context; a stage is a
// Pipeline_Stage whose name is qualified as "<pipeline>/<stage>".
const (
	ContextTypePipeline = "Parent_Context"
	ContextTypeStage    = "Pipeline_Stage"
)

// Context represents a pipeline or a stage.
type Context struct {
	ID               int64
	TypeID           int64
	TypeName         string
	Name             string
	Properties       Metadata
	CustomProperties Metadata
	CreateTimeMillis int64
	UpdateTimeMillis int64
}

func (c Context) Validate() error {
	if strings.TrimSpace(c.TypeName) == "" {
		return errors.New("context type name is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("context name is required")
	}
	return nil
}

// StageName qualifies a stage name under its pipeline, matching the stored
// context name.
func StageName(pipeline, stage string) string {
	if strings.Contains(stage, "/") {
		return stage
	}
	return pipeline + "/" + stage
}
