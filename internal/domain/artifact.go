package domain

import (
	"errors"
	"strings"
)

// Artifact type names.
const (
	ArtifactTypeDataset     = "Dataset"
	ArtifactTypeModel       = "Model"
	ArtifactTypeMetrics     = "Metrics"
	ArtifactTypeStepMetrics = "Step_Metrics"
	ArtifactTypeDataslice   = "Dataslice"
	ArtifactTypeEnvironment = "Environment"
	ArtifactTypeLabel       = "Label"
)

// Artifact is a content-addressed node. URI is the content hash and is the
// artifact's identity: two log calls with the same hash resolve to the same
// row. Name carries the human path with a ":<hash>" suffix.
type Artifact struct {
	ID               int64
	TypeID           int64
	TypeName         string
	URI              string
	Name             string
	Properties       Metadata
	CustomProperties Metadata
	CreateTimeMillis int64
	UpdateTimeMillis int64
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.TypeName) == "" {
		return errors.New("artifact type name is required")
	}
	if strings.TrimSpace(a.URI) == "" {
		return errors.New("artifact uri is required")
	}
	return nil
}

// BaseName strips the ":<hash>" (and ":<execution_id>") suffix from the
// artifact name, returning the human path.
func (a Artifact) BaseName() string {
	if i := strings.Index(a.Name, ":"); i >= 0 {
		return a.Name[:i]
	}
	return a.Name
}
