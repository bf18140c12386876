package recorder

import (
	"context"
	"fmt"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/repo"
)

// LogDataset hashes and tracks the file or directory at path and records a
// Dataset artifact linked to the open execution with the given direction.
func (r *Recorder) LogDataset(ctx context.Context, path string, event domain.EventType, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_dataset"); err != nil {
		return domain.Artifact{}, err
	}
	digest, err := cas.Track(path, r.cacheDir)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("track %s: %w", path, err)
	}
	return r.LogDatasetWithVersion(ctx, path, digest.Hash, event, custom)
}

// LogDatasetWithVersion records a Dataset with a known content hash, without
// touching the filesystem. Used during ingest and cross-site merge. On an
// existing artifact the properties merge as element sets, the url property
// accumulates as a comma-joined union, and the event is always appended.
func (r *Recorder) LogDatasetWithVersion(ctx context.Context, path, hash string, event domain.EventType, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_dataset_with_version"); err != nil {
		return domain.Artifact{}, err
	}
	props := domain.Metadata{
		"Commit": hash,
		"url":    cas.ArtifactURL(r.pipeline.Name, r.artifactRepo, hash),
	}
	r.addGitProvenance(ctx, props)
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:              hash,
		Name:             path + ":" + hash,
		TypeName:         domain.ArtifactTypeDataset,
		Properties:       props,
		CustomProperties: custom,
		EventType:        event,
	})
}

// LogModel hashes and tracks a model file and records a Model artifact. A
// newly created model's name additionally carries the execution id, so the
// same bytes re-logged elsewhere keep their original provenance suffix.
func (r *Recorder) LogModel(ctx context.Context, path string, event domain.EventType, framework, modelType, modelName string, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_model"); err != nil {
		return domain.Artifact{}, err
	}
	digest, err := cas.Track(path, r.cacheDir)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("track %s: %w", path, err)
	}
	return r.LogModelWithVersion(ctx, path, digest.Hash, event, framework, modelType, modelName, custom)
}

// LogModelWithVersion records a Model with a known content hash.
func (r *Recorder) LogModelWithVersion(ctx context.Context, path, hash string, event domain.EventType, framework, modelType, modelName string, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_model_with_version"); err != nil {
		return domain.Artifact{}, err
	}

	name := path + ":" + hash
	if _, err := r.store.GetArtifactByURI(ctx, hash); err != nil {
		// Unknown hash: this execution created the model.
		name = fmt.Sprintf("%s:%s:%d", path, hash, r.execution.ID)
	}

	props := domain.Metadata{
		"Commit":          hash,
		"url":             cas.ArtifactURL(r.pipeline.Name, r.artifactRepo, hash),
		"model_framework": framework,
		"model_type":      modelType,
		"model_name":      modelName,
	}
	r.addGitProvenance(ctx, props)
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:              hash,
		Name:             name,
		TypeName:         domain.ArtifactTypeModel,
		Properties:       props,
		CustomProperties: custom,
		EventType:        event,
	})
}

// LogLabelWithVersion records a Label artifact (an annotation file tied to a
// dataset) with a known content hash.
func (r *Recorder) LogLabelWithVersion(ctx context.Context, path, hash string, event domain.EventType, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_label_with_version"); err != nil {
		return domain.Artifact{}, err
	}
	props := domain.Metadata{
		"Commit": hash,
		"url":    cas.ArtifactURL(r.pipeline.Name, r.artifactRepo, hash),
	}
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:              hash,
		Name:             path + ":" + hash,
		TypeName:         domain.ArtifactTypeLabel,
		Properties:       props,
		CustomProperties: custom,
		EventType:        event,
	})
}

// LogPythonEnv tracks the environment descriptor at path (a requirements or
// conda file) and records it as an Environment input of the open execution.
func (r *Recorder) LogPythonEnv(ctx context.Context, path string) (domain.Artifact, error) {
	if err := r.requireExecution("log_python_env"); err != nil {
		return domain.Artifact{}, err
	}
	digest, err := cas.Track(path, r.cacheDir)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("track %s: %w", path, err)
	}
	props := domain.Metadata{
		"Commit": digest.Hash,
		"url":    cas.ArtifactURL(r.pipeline.Name, r.artifactRepo, digest.Hash),
	}
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:        digest.Hash,
		Name:       path + ":" + digest.Hash,
		TypeName:   domain.ArtifactTypeEnvironment,
		Properties: props,
		EventType:  domain.EventInput,
	})
}

// LogPythonEnvFromClient ingests an Environment artifact from a pulled
// document, keeping its original name and uri.
func (r *Recorder) LogPythonEnvFromClient(ctx context.Context, name, uri string, custom domain.Metadata) (domain.Artifact, error) {
	if err := r.requireExecution("log_python_env_from_client"); err != nil {
		return domain.Artifact{}, err
	}
	return r.logArtifact(ctx, repo.PutArtifactInput{
		URI:              uri,
		Name:             name,
		TypeName:         domain.ArtifactTypeEnvironment,
		CustomProperties: custom,
		EventType:        domain.EventInput,
	})
}

// UpdateExistingArtifact merges custom properties into an already recorded
// artifact.
func (r *Recorder) UpdateExistingArtifact(ctx context.Context, uri string, custom domain.Metadata) (domain.Artifact, error) {
	artifact, err := r.store.GetArtifactByURI(ctx, uri)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("load artifact %s: %w", uri, err)
	}
	if artifact.CustomProperties == nil {
		artifact.CustomProperties = domain.Metadata{}
	}
	artifact.CustomProperties.MergeAll(custom)
	if err := r.store.UpdateArtifact(ctx, artifact); err != nil {
		return domain.Artifact{}, fmt.Errorf("update artifact %s: %w", uri, err)
	}
	return artifact, nil
}

// logArtifact persists the artifact, tracks the input set and announces the
// event. All artifact-recording operations funnel through here.
func (r *Recorder) logArtifact(ctx context.Context, in repo.PutArtifactInput) (domain.Artifact, error) {
	in.ExecutionID = r.execution.ID
	in.ContextID = r.stage.ID
	if in.Millis == 0 {
		in.Millis = r.eventMillis
	}
	artifact, err := r.store.PutArtifact(ctx, in)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("record %s: %w", in.Name, err)
	}
	if in.EventType == domain.EventInput {
		r.inputArtifacts = append(r.inputArtifacts, artifact)
	}
	r.notifyArtifact(ctx, artifact, in.EventType)
	return artifact, nil
}

// addGitProvenance stamps the current repo and commit onto artifact
// properties. Failures degrade to empty values.
func (r *Recorder) addGitProvenance(ctx context.Context, props domain.Metadata) {
	if r.repo == nil {
		return
	}
	if url, err := r.repo.CurrentRepoURL(ctx); err == nil {
		props["git_repo"] = url
	} else {
		r.logger.Warn("repo url unavailable", "error", err)
	}
	if commit, err := r.repo.CurrentCommit(ctx); err == nil {
		props["git_commit"] = commit
	} else {
		r.logger.Warn("commit unavailable", "error", err)
	}
}
