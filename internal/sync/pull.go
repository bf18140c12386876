package sync

import (
	"context"
	"fmt"

	"github.com/common-metadata/cmf-go/internal/recorder"
	"github.com/common-metadata/cmf-go/internal/transport"
)

type PullOptions struct {
	Pipeline string
	ExecUUID string
}

type PullResult struct {
	Artifacts transport.Result
}

// Pull fetches the server's pipeline document, merges it into the local
// store through rec, and downloads every referenced artifact into its
// recorded path.
func (s *Syncer) Pull(ctx context.Context, rec *recorder.Recorder, opts PullOptions) (PullResult, error) {
	doc, err := s.client.Pull(ctx, opts.Pipeline, opts.ExecUUID)
	if err != nil {
		return PullResult{}, err
	}
	if err := Apply(ctx, rec, doc); err != nil {
		return PullResult{}, fmt.Errorf("merge pulled document: %w", err)
	}

	result := PullResult{}
	result.Artifacts = s.transferArtifacts(ctx, doc, func(ctx context.Context, localPath, hash string) (transport.Result, error) {
		return s.transfer.Download(ctx, hash, localPath)
	})
	return result, nil
}
