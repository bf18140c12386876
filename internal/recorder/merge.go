package recorder

import (
	"context"
	"fmt"

	"github.com/common-metadata/cmf-go/internal/domain"
)

// MergeCreatedContext opens a stage whose name is already qualified, as it
// arrives in a pulled pipeline document. Properties from the remote context
// are merged into the local one.
func (r *Recorder) MergeCreatedContext(ctx context.Context, qualifiedName string, custom domain.Metadata) (domain.Context, error) {
	sc, err := r.store.GetOrCreateContext(ctx, domain.ContextTypeStage, qualifiedName, nil, nil, custom)
	if err != nil {
		return domain.Context{}, fmt.Errorf("merge stage %s: %w", qualifiedName, err)
	}
	if err := r.store.AddParentContext(ctx, r.pipeline.ID, sc.ID); err != nil {
		return domain.Context{}, fmt.Errorf("link merged stage %s: %w", qualifiedName, err)
	}
	r.stage = &sc
	r.execution = nil
	r.notifyStage(ctx, sc)
	return sc, nil
}

// MergeCreatedExecution applies one execution from a pulled document to the
// open stage. An existing execution whose Execution_uuid set overlaps the
// incoming one is reused with a set-union; a named incoming execution also
// merges into the reusable local execution of the same name. Anything else
// is created new, carrying the remote properties unchanged.
func (r *Recorder) MergeCreatedExecution(ctx context.Context, name string, props, custom domain.Metadata) (domain.Execution, error) {
	if r.stage == nil {
		r.logger.Warn("merge_created_execution called before stage open")
		return domain.Execution{}, ErrNotOpen
	}

	incoming := domain.SplitSet(props.String(domain.PropExecutionUUID))
	locals, err := r.store.GetExecutionsByContext(ctx, r.stage.ID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("list stage executions: %w", err)
	}
	for _, local := range locals {
		nameMatch := name != "" && local.Reusable() && local.Name == name
		if nameMatch || uuidOverlap(local.UUIDSet(), incoming) {
			local.Properties.MergeAll(props)
			if local.CustomProperties == nil {
				local.CustomProperties = domain.Metadata{}
			}
			local.CustomProperties.MergeAll(custom)
			if err := r.store.UpdateExecution(ctx, local); err != nil {
				return domain.Execution{}, fmt.Errorf("merge execution %d: %w", local.ID, err)
			}
			r.execution = &local
			r.notifyExecution(ctx, local)
			return local, nil
		}
	}

	typeName := props.String(domain.PropContextType)
	if typeName == "" {
		typeName = r.stage.Name
	}
	// A named incoming execution stays reusable locally so later pulls and
	// recording sessions keep keying on it.
	exec, _, err := r.store.CreateExecutionInContext(ctx, r.stage.ID, typeName, name, props, custom, name == "")
	if err != nil {
		return domain.Execution{}, fmt.Errorf("create merged execution: %w", err)
	}
	r.execution = &exec
	r.inputArtifacts = nil
	r.notifyExecution(ctx, exec)
	return exec, nil
}

func uuidOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}
