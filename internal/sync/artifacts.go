package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/common-metadata/cmf-go/internal/query"
	"github.com/common-metadata/cmf-go/internal/transport"
)

// PushArtifacts uploads the transferable artifacts of a pipeline to the
// backend without talking to the metadata server. When name is non-empty
// only the matching artifact moves.
func (s *Syncer) PushArtifacts(ctx context.Context, pipeline, name string) (transport.Result, error) {
	doc, matched, err := s.selectArtifacts(ctx, pipeline, name)
	if err != nil {
		return transport.Result{}, err
	}
	if name != "" && !matched {
		return transport.Result{}, fmt.Errorf("artifact %s not found in pipeline %s", name, pipeline)
	}
	return s.transferArtifacts(ctx, doc, s.transfer.Upload), nil
}

// PullArtifacts downloads the transferable artifacts of a pipeline from the
// backend into their recorded paths.
func (s *Syncer) PullArtifacts(ctx context.Context, pipeline, name string) (transport.Result, error) {
	doc, matched, err := s.selectArtifacts(ctx, pipeline, name)
	if err != nil {
		return transport.Result{}, err
	}
	if name != "" && !matched {
		return transport.Result{}, fmt.Errorf("artifact %s not found in pipeline %s", name, pipeline)
	}
	return s.transferArtifacts(ctx, doc, func(ctx context.Context, localPath, hash string) (transport.Result, error) {
		return s.transfer.Download(ctx, hash, localPath)
	}), nil
}

// selectArtifacts exports the pipeline document, restricted to one artifact
// when name is given. Matching accepts both the stored name and its path
// part before the hash.
func (s *Syncer) selectArtifacts(ctx context.Context, pipeline, name string) (doc query.Document, matched bool, err error) {
	doc, err = s.queries.Export(ctx, pipeline, "")
	if err != nil {
		return doc, false, err
	}
	if name == "" {
		return doc, true, nil
	}
	kept := doc.Pipeline[0].Artifacts[:0]
	for _, a := range doc.Pipeline[0].Artifacts {
		if a.Name == name || baseName(a.Name) == name || strings.HasPrefix(a.Name, name+":") {
			kept = append(kept, a)
			matched = true
		}
	}
	doc.Pipeline[0].Artifacts = kept
	return doc, matched, nil
}
