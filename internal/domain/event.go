package domain

// EventType is the direction of an execution⇄artifact edge. The numeric
// values match what the wire document carries for events.
type EventType int

const (
	EventInput  EventType = 3
	EventOutput EventType = 4
)

func (t EventType) String() string {
	switch t {
	case EventInput:
		return "INPUT"
	case EventOutput:
		return "OUTPUT"
	default:
		return "UNKNOWN"
	}
}

// ParseEventType maps "input"/"output" (any case) to an EventType,
// defaulting to OUTPUT as the recorder does.
func ParseEventType(s string) EventType {
	switch s {
	case "input", "INPUT", "Input":
		return EventInput
	default:
		return EventOutput
	}
}

// Event is a directed edge between an execution and an artifact.
// (execution, artifact, direction) is its natural key.
type Event struct {
	ID          int64
	ExecutionID int64
	ArtifactID  int64
	Type        EventType
	Millis      int64
}

// Attribution binds an artifact to the stage context it was first seen in.
type Attribution struct {
	ContextID  int64
	ArtifactID int64
}

// Association binds an execution to its stage context.
type Association struct {
	ContextID   int64
	ExecutionID int64
}

// ParentContext binds a stage to its pipeline.
type ParentContext struct {
	ParentID int64
	ChildID  int64
}
