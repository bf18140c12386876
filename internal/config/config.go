// Package config reads and writes the sectioned cmf configuration file.
// The default path is .cmfconfig in the working directory; the CONFIG_FILE
// environment variable overrides it.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/common-metadata/cmf-go/internal/platform/env"
)

const DefaultFile = ".cmfconfig"

// Backend identifies the artifact repository type the user initialized.
type Backend string

const (
	BackendLocal    Backend = "local"
	BackendMinio    Backend = "minio"
	BackendAmazonS3 Backend = "amazon-s3"
	BackendSSH      Backend = "ssh"
	BackendOSDF     Backend = "osdf"
)

// Config is the parsed .cmfconfig content.
type Config struct {
	ServerURL string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	Backend Backend

	// Backend sections. Only the section matching Backend is meaningful.
	Local    LocalConfig
	Minio    MinioConfig
	AmazonS3 AmazonS3Config
	SSH      SSHConfig
	OSDF     OSDFConfig
}

type LocalConfig struct {
	Path string
}

type MinioConfig struct {
	URL         string
	EndpointURL string
	AccessKeyID string
	SecretKey   string
}

type AmazonS3Config struct {
	URL         string
	AccessKeyID string
	SecretKey   string
}

type SSHConfig struct {
	Path     string
	User     string
	Port     string
	Password string
}

type OSDFConfig struct {
	Path      string
	KeyID     string
	KeyPath   string
	KeyIssuer string
	CacheURL  string
}

// Path returns the config file path, honoring CONFIG_FILE.
func Path() string {
	return env.String("CONFIG_FILE", DefaultFile)
}

// Load parses the config file at path. A missing file is an error the
// caller surfaces as "run cmf init".
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = Path()
	}
	file, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	cfg.ServerURL = file.Section("cmf").Key("server-url").String()

	neo := file.Section("neo4j")
	cfg.Neo4jURI = neo.Key("uri").String()
	cfg.Neo4jUser = neo.Key("user").String()
	if enc := neo.Key("password").String(); enc != "" {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return Config{}, fmt.Errorf("decode neo4j password: %w", err)
		}
		cfg.Neo4jPassword = string(raw)
	}

	for _, backend := range []Backend{BackendLocal, BackendMinio, BackendAmazonS3, BackendSSH, BackendOSDF} {
		if file.HasSection(string(backend)) {
			cfg.Backend = backend
			break
		}
	}

	switch cfg.Backend {
	case BackendLocal:
		s := file.Section(string(BackendLocal))
		cfg.Local = LocalConfig{Path: s.Key("path").String()}
	case BackendMinio:
		s := file.Section(string(BackendMinio))
		cfg.Minio = MinioConfig{
			URL:         s.Key("url").String(),
			EndpointURL: s.Key("endpoint-url").String(),
			AccessKeyID: s.Key("access-key-id").String(),
			SecretKey:   s.Key("secret-key").String(),
		}
	case BackendAmazonS3:
		s := file.Section(string(BackendAmazonS3))
		cfg.AmazonS3 = AmazonS3Config{
			URL:         s.Key("url").String(),
			AccessKeyID: s.Key("access-key-id").String(),
			SecretKey:   s.Key("secret-key").String(),
		}
	case BackendSSH:
		s := file.Section(string(BackendSSH))
		cfg.SSH = SSHConfig{
			Path:     s.Key("path").String(),
			User:     s.Key("user").String(),
			Port:     s.Key("port").String(),
			Password: s.Key("password").String(),
		}
	case BackendOSDF:
		s := file.Section(string(BackendOSDF))
		cfg.OSDF = OSDFConfig{
			Path:      s.Key("path").String(),
			KeyID:     s.Key("key-id").String(),
			KeyPath:   s.Key("key-path").String(),
			KeyIssuer: s.Key("key-issuer").String(),
			CacheURL:  s.Key("cache").String(),
		}
	default:
		return Config{}, errors.New("no artifact backend section in config, run cmf init")
	}
	return cfg, nil
}

// Save writes cfg to path, replacing any existing file. The neo4j password
// is stored base64-encoded, never in clear text.
func Save(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		path = Path()
	}
	file := ini.Empty()

	if cfg.ServerURL != "" {
		file.Section("cmf").Key("server-url").SetValue(cfg.ServerURL)
	}
	if cfg.Neo4jURI != "" || cfg.Neo4jUser != "" || cfg.Neo4jPassword != "" {
		neo := file.Section("neo4j")
		neo.Key("uri").SetValue(cfg.Neo4jURI)
		neo.Key("user").SetValue(cfg.Neo4jUser)
		neo.Key("password").SetValue(base64.StdEncoding.EncodeToString([]byte(cfg.Neo4jPassword)))
	}

	switch cfg.Backend {
	case BackendLocal:
		s := file.Section(string(BackendLocal))
		s.Key("path").SetValue(cfg.Local.Path)
	case BackendMinio:
		s := file.Section(string(BackendMinio))
		s.Key("url").SetValue(cfg.Minio.URL)
		s.Key("endpoint-url").SetValue(cfg.Minio.EndpointURL)
		s.Key("access-key-id").SetValue(cfg.Minio.AccessKeyID)
		s.Key("secret-key").SetValue(cfg.Minio.SecretKey)
	case BackendAmazonS3:
		s := file.Section(string(BackendAmazonS3))
		s.Key("url").SetValue(cfg.AmazonS3.URL)
		s.Key("access-key-id").SetValue(cfg.AmazonS3.AccessKeyID)
		s.Key("secret-key").SetValue(cfg.AmazonS3.SecretKey)
	case BackendSSH:
		s := file.Section(string(BackendSSH))
		s.Key("path").SetValue(cfg.SSH.Path)
		s.Key("user").SetValue(cfg.SSH.User)
		s.Key("port").SetValue(cfg.SSH.Port)
		s.Key("password").SetValue(cfg.SSH.Password)
	case BackendOSDF:
		s := file.Section(string(BackendOSDF))
		s.Key("path").SetValue(cfg.OSDF.Path)
		s.Key("key-id").SetValue(cfg.OSDF.KeyID)
		s.Key("key-path").SetValue(cfg.OSDF.KeyPath)
		s.Key("key-issuer").SetValue(cfg.OSDF.KeyIssuer)
		if cfg.OSDF.CacheURL != "" {
			s.Key("cache").SetValue(cfg.OSDF.CacheURL)
		}
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return file.SaveTo(path)
}
