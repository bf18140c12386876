package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

// DataSlice accumulates a named subset of a dataset. Rows are keyed by
// member path; nothing is persisted until Commit, and the slice's identity
// is the hash of its committed manifest file, not of the members.
type DataSlice struct {
	name string
	rows map[string]domain.Metadata
	r    *Recorder
}

// CreateDataslice returns a builder for a named slice.
func (r *Recorder) CreateDataslice(name string) *DataSlice {
	return &DataSlice{name: name, rows: make(map[string]domain.Metadata), r: r}
}

// Add hashes the member at path and records a manifest row for it.
func (ds *DataSlice) Add(path string, custom domain.Metadata) error {
	digest, err := cas.ComputeHash(path)
	if err != nil {
		return fmt.Errorf("hash slice member %s: %w", path, err)
	}
	row := custom.Clone()
	row["hash"] = digest.Hash
	ds.rows[path] = row
	return nil
}

// Commit serializes the manifest to a file named after the slice, hashes and
// tracks it, and records a Dataslice artifact as an output of the open
// execution.
func (ds *DataSlice) Commit(ctx context.Context, custom domain.Metadata) (domain.Artifact, error) {
	r := ds.r
	if err := r.requireExecution("commit_dataslice"); err != nil {
		return domain.Artifact{}, err
	}
	if len(ds.rows) == 0 {
		return domain.Artifact{}, fmt.Errorf("dataslice %q has no members", ds.name)
	}

	if err := ds.writeManifest(); err != nil {
		return domain.Artifact{}, err
	}
	digest, err := cas.Track(ds.name, r.cacheDir)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("track dataslice %s: %w", ds.name, err)
	}
	return ds.CommitExisting(ctx, digest.Hash, custom)
}

// CommitExisting records the slice with a known manifest hash, the ingest
// counterpart of Commit.
func (ds *DataSlice) CommitExisting(ctx context.Context, hash string, custom domain.Metadata) (domain.Artifact, error) {
	r := ds.r
	if err := r.requireExecution("commit_dataslice"); err != nil {
		return domain.Artifact{}, err
	}
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:      hash,
		Name:     ds.name + ":" + hash,
		TypeName: domain.ArtifactTypeDataslice,
		Properties: domain.Metadata{
			"Commit": hash,
			"url":    cas.ArtifactURL(r.pipeline.Name, r.artifactRepo, hash),
		},
		CustomProperties: custom,
		EventType:        domain.EventOutput,
	})
}

// writeManifest serializes rows deterministically, one JSON object per line
// ordered by member path.
func (ds *DataSlice) writeManifest() error {
	paths := make([]string, 0, len(ds.rows))
	for p := range ds.rows {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	f, err := os.Create(ds.name)
	if err != nil {
		return fmt.Errorf("create dataslice manifest: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, p := range paths {
		row := ds.rows[p].Clone()
		row["path"] = p
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("write dataslice row: %w", err)
		}
	}
	return f.Close()
}
