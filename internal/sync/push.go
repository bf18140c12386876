package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/query"
	"github.com/common-metadata/cmf-go/internal/transport"
)

// Syncer drives push and pull against the central server and the artifact
// backend.
type Syncer struct {
	logger   *slog.Logger
	client   *Client
	queries  *query.Service
	transfer *transport.Transfer
	// repo commits tracking sidecars after a successful push. Optional.
	repo *cas.Repo
}

func NewSyncer(logger *slog.Logger, client *Client, queries *query.Service, transfer *transport.Transfer, repo *cas.Repo) *Syncer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &Syncer{logger: logger, client: client, queries: queries, transfer: transfer, repo: repo}
}

type PushOptions struct {
	Pipeline string
	// ExecUUID restricts the push to one execution's subgraph.
	ExecUUID string
	// TensorboardPath optionally uploads a log tree to the server.
	TensorboardPath string
}

// PushResult reports what one push did. TensorboardErr is non-nil when the
// tensorboard upload failed; the metadata push itself still succeeded.
type PushResult struct {
	Status         string
	Artifacts      transport.Result
	TensorboardErr error
}

// Push serializes the pipeline, sends it to the server and, when the server
// accepted or already had it, uploads side-channel files and every
// referenced artifact. A version_update answer aborts before any upload.
func (s *Syncer) Push(ctx context.Context, opts PushOptions) (PushResult, error) {
	doc, err := s.queries.Export(ctx, opts.Pipeline, opts.ExecUUID)
	if err != nil {
		return PushResult{}, err
	}
	payload, err := s.queries.DumpToJSON(ctx, opts.Pipeline, opts.ExecUUID)
	if err != nil {
		return PushResult{}, err
	}

	status, err := s.client.Push(ctx, opts.Pipeline, opts.ExecUUID, payload)
	if err != nil {
		return PushResult{}, err
	}
	switch status {
	case StatusSuccess, StatusExists:
	case StatusVersionUpdate:
		return PushResult{Status: status}, ErrVersionMismatch
	case StatusInvalidPayload:
		return PushResult{Status: status}, fmt.Errorf("server rejected the pipeline document")
	default:
		return PushResult{Status: status}, fmt.Errorf("unexpected push status %q", status)
	}

	result := PushResult{Status: status}
	s.uploadSideChannels(ctx, opts.Pipeline, doc)
	if opts.TensorboardPath != "" {
		result.TensorboardErr = s.uploadTensorboard(ctx, opts.Pipeline, opts.TensorboardPath)
	}
	s.commitTrackingFiles(ctx, doc)

	result.Artifacts = s.transferArtifacts(ctx, doc, func(ctx context.Context, localPath, hash string) (transport.Result, error) {
		return s.transfer.Upload(ctx, localPath, hash)
	})
	return result, nil
}

// uploadSideChannels posts each distinct environment descriptor and label
// file referenced by the document. Failures are logged, never fatal.
func (s *Syncer) uploadSideChannels(ctx context.Context, pipeline string, doc query.Document) {
	seen := make(map[string]struct{})
	for _, a := range doc.Pipeline[0].Artifacts {
		var endpoint string
		switch a.Type {
		case domain.ArtifactTypeEnvironment:
			endpoint = "/python-env"
		case domain.ArtifactTypeLabel:
			endpoint = "/label"
		default:
			continue
		}
		path := baseName(a.Name)
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		if _, err := os.Stat(path); err != nil {
			s.logger.Warn("side-channel file missing locally", "path", path)
			continue
		}
		if err := s.client.UploadFile(ctx, endpoint, pipeline, path); err != nil {
			s.logger.Warn("side-channel upload failed", "path", path, "error", err)
		}
	}
}

// uploadTensorboard posts every file under root. Any single failure fails
// the whole tensorboard step.
func (s *Syncer) uploadTensorboard(ctx context.Context, pipeline, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := s.client.UploadFile(ctx, "/tensorboard", pipeline, path); err != nil {
			return fmt.Errorf("tensorboard upload %s: %w", path, err)
		}
		return nil
	})
}

// commitTrackingFiles commits the .dvc sidecar of every pushed artifact.
// Best-effort: a missing sidecar or git failure is logged and skipped.
func (s *Syncer) commitTrackingFiles(ctx context.Context, doc query.Document) {
	if s.repo == nil {
		return
	}
	for _, stage := range doc.Pipeline[0].Stages {
		for _, exec := range stage.Executions {
			for _, ev := range exec.Events {
				artifact, ok := findArtifact(doc, ev.ArtifactID)
				if !ok {
					continue
				}
				sidecar := cas.TrackingFilePath(baseName(artifact.Name))
				if _, err := os.Stat(sidecar); err != nil {
					continue
				}
				if err := s.repo.CommitTrackingFile(ctx, sidecar, exec.ID); err != nil {
					s.logger.Warn("tracking file commit failed", "path", sidecar, "error", err)
				}
			}
		}
	}
}

// transferArtifacts runs op for every transferable artifact in the
// document, accumulating per-file accounting. Artifacts without a content
// address (random-uri metrics) are skipped.
func (s *Syncer) transferArtifacts(ctx context.Context, doc query.Document, op func(context.Context, string, string) (transport.Result, error)) transport.Result {
	var total transport.Result
	for _, a := range doc.Pipeline[0].Artifacts {
		if !transferable(a.URI) {
			continue
		}
		res, err := op(ctx, baseName(a.Name), a.URI)
		if err != nil {
			s.logger.Warn("artifact transfer failed", "name", a.Name, "error", err)
		}
		total.Total += res.Total
		total.Done += res.Done
		total.Failed += res.Failed
	}
	return total
}

func findArtifact(doc query.Document, id int64) (query.ArtifactDoc, bool) {
	for _, a := range doc.Pipeline[0].Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return query.ArtifactDoc{}, false
}

// transferable reports whether uri is a content address the backend can
// resolve: a 32-char md5 digest, optionally with the directory suffix.
func transferable(uri string) bool {
	uri = strings.TrimSuffix(uri, cas.DirSuffix)
	if len(uri) != 32 {
		return false
	}
	for _, c := range uri {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
