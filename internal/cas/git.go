package cas

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// RemoteName is the remote the sync protocol pushes tracking commits to,
// kept separate from the user's own origin.
const RemoteName = "cmf_origin"

// Repo shells out to git in a working directory. All operations are
// best-effort from the recorder's point of view: callers log failures and
// keep recording.
type Repo struct {
	dir    string
	logger *slog.Logger
}

func NewRepo(dir string, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &Repo{dir: dir, logger: logger}
}

// EnsureInit initializes the repository if the directory is not one yet and
// registers url as the cmf_origin remote.
func (r *Repo) EnsureInit(ctx context.Context, url string) error {
	if _, err := r.run(ctx, "rev-parse", "--git-dir"); err != nil {
		if _, err := r.run(ctx, "init", "-q"); err != nil {
			return fmt.Errorf("git init: %w", err)
		}
	}
	if url == "" {
		return nil
	}
	if current, err := r.run(ctx, "remote", "get-url", RemoteName); err == nil {
		if strings.TrimSpace(current) == url {
			return nil
		}
		if _, err := r.run(ctx, "remote", "set-url", RemoteName, url); err != nil {
			return fmt.Errorf("git remote set-url: %w", err)
		}
		return nil
	}
	if _, err := r.run(ctx, "remote", "add", RemoteName, url); err != nil {
		return fmt.Errorf("git remote add: %w", err)
	}
	return nil
}

// CurrentCommit returns the HEAD commit hash.
func (r *Repo) CurrentCommit(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentRepoURL returns the cmf_origin url, falling back to origin when the
// dedicated remote is not configured.
func (r *Repo) CurrentRepoURL(ctx context.Context) (string, error) {
	if out, err := r.run(ctx, "remote", "get-url", RemoteName); err == nil {
		return strings.TrimSpace(out), nil
	}
	out, err := r.run(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("git remote get-url: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CheckoutBranch switches to name, creating it when absent.
func (r *Repo) CheckoutBranch(ctx context.Context, name string) error {
	if _, err := r.run(ctx, "checkout", name); err == nil {
		return nil
	}
	if _, err := r.run(ctx, "checkout", "-b", name); err != nil {
		return fmt.Errorf("git checkout -b %s: %w", name, err)
	}
	return nil
}

// CommitTrackingFile stages a .dvc sidecar and commits it with the execution
// it belongs to named in the message.
func (r *Repo) CommitTrackingFile(ctx context.Context, path string, executionID int64) error {
	if _, err := r.run(ctx, "add", path); err != nil {
		return fmt.Errorf("git add %s: %w", path, err)
	}
	msg := fmt.Sprintf("Commit artifacts for execution %d", executionID)
	if _, err := r.run(ctx, "commit", "-m", msg); err != nil {
		// Nothing staged means the sidecar was already committed.
		if strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// CommitMetadata stages and commits the store file after a pull or merge.
func (r *Repo) CommitMetadata(ctx context.Context, path string, message string) error {
	if _, err := r.run(ctx, "add", path); err != nil {
		return fmt.Errorf("git add %s: %w", path, err)
	}
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		r.logger.Debug("git command failed", "args", args, "detail", detail)
		return "", fmt.Errorf("git %s: %s: %w", args[0], detail, err)
	}
	return stdout.String(), nil
}
