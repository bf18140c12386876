package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/common-metadata/cmf-go/internal/config"
)

// FromConfig builds the backend the user initialized with cmf init.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return NewLocal(cfg.Local.Path)
	case config.BackendMinio:
		return NewS3(ctx, S3Config{
			URL:       cfg.Minio.URL,
			Endpoint:  cfg.Minio.EndpointURL,
			AccessKey: cfg.Minio.AccessKeyID,
			SecretKey: cfg.Minio.SecretKey,
		})
	case config.BackendAmazonS3:
		return NewS3(ctx, S3Config{
			URL:       cfg.AmazonS3.URL,
			AccessKey: cfg.AmazonS3.AccessKeyID,
			SecretKey: cfg.AmazonS3.SecretKey,
		})
	case config.BackendSSH:
		host, root := splitSSHPath(cfg.SSH.Path)
		return NewSSH(SSHConfig{
			Host:     host,
			Port:     cfg.SSH.Port,
			User:     cfg.SSH.User,
			Password: cfg.SSH.Password,
			Root:     root,
		})
	case config.BackendOSDF:
		return NewOSDF(OSDFConfig{
			Origin:    cfg.OSDF.Path,
			Cache:     cfg.OSDF.CacheURL,
			KeyID:     cfg.OSDF.KeyID,
			KeyPath:   cfg.OSDF.KeyPath,
			KeyIssuer: cfg.OSDF.KeyIssuer,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// ArtifactRepoRoot returns the backend location recorded into artifact url
// properties.
func ArtifactRepoRoot(cfg config.Config) string {
	switch cfg.Backend {
	case config.BackendLocal:
		return cfg.Local.Path
	case config.BackendMinio:
		return cfg.Minio.URL
	case config.BackendAmazonS3:
		return cfg.AmazonS3.URL
	case config.BackendSSH:
		return cfg.SSH.Path
	case config.BackendOSDF:
		return cfg.OSDF.Path
	default:
		return ""
	}
}

// splitSSHPath separates "host:/remote/dir" into its parts. A bare path is
// treated as localhost.
func splitSSHPath(raw string) (host, root string) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			return raw[:i], raw[i+1:]
		}
		if raw[i] == '/' {
			break
		}
	}
	return "localhost", raw
}
