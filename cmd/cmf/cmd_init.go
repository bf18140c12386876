package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/common-metadata/cmf-go/internal/cas"
	"github.com/common-metadata/cmf-go/internal/config"
)

// initCommon carries the flags every backend variant shares.
type initCommon struct {
	serverURL     string
	gitRemoteURL  string
	neo4jURI      string
	neo4jUser     string
	neo4jPassword string
}

func (c *initCommon) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.serverURL, "cmf-server-url", "http://127.0.0.1:8080", "cmf server url")
	cmd.Flags().StringVar(&c.gitRemoteURL, "git-remote-url", "", "git remote for metadata commits")
	cmd.Flags().StringVar(&c.neo4jURI, "neo4j-uri", "", "neo4j bolt uri for the graph mirror")
	cmd.Flags().StringVar(&c.neo4jUser, "neo4j-user", "", "neo4j user")
	cmd.Flags().StringVar(&c.neo4jPassword, "neo4j-password", "", "neo4j password")
}

func (c *initCommon) apply(cfg *config.Config) {
	cfg.ServerURL = c.serverURL
	cfg.Neo4jURI = c.neo4jURI
	cfg.Neo4jUser = c.neo4jUser
	cfg.Neo4jPassword = c.neo4jPassword
}

// finishInit saves the config and initializes the git repo with the cmf
// remote when one was given.
func finishInit(ctx context.Context, cfg config.Config, common initCommon) CmdResult {
	if err := config.Save(config.Path(), cfg); err != nil {
		return fail("write config: %v", err)
	}
	if common.gitRemoteURL != "" {
		repo := cas.NewRepo(".", newLogger())
		if err := repo.EnsureInit(ctx, common.gitRemoteURL); err != nil {
			return fail("git init: %v", err)
		}
	}
	return ok("cmf init complete, artifact repo type: %s", cfg.Backend)
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the artifact repository and server connection",
	}
	cmd.AddCommand(newInitLocalCmd())
	cmd.AddCommand(newInitMinioCmd())
	cmd.AddCommand(newInitAmazonS3Cmd())
	cmd.AddCommand(newInitSSHCmd())
	cmd.AddCommand(newInitOSDFCmd())
	cmd.AddCommand(newInitShowCmd())
	return cmd
}

func newInitLocalCmd() *cobra.Command {
	var common initCommon
	var path string
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Use a local directory as the artifact repository",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Config{Backend: config.BackendLocal, Local: config.LocalConfig{Path: path}}
			common.apply(&cfg)
			emit(finishInit(cmd.Context(), cfg, common))
		},
	}
	common.register(cmd)
	cmd.Flags().StringVar(&path, "path", "", "artifact repository directory")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newInitMinioCmd() *cobra.Command {
	var common initCommon
	var section config.MinioConfig
	cmd := &cobra.Command{
		Use:   "minioS3",
		Short: "Use a MinIO bucket as the artifact repository",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Config{Backend: config.BackendMinio, Minio: section}
			common.apply(&cfg)
			emit(finishInit(cmd.Context(), cfg, common))
		},
	}
	common.register(cmd)
	cmd.Flags().StringVar(&section.URL, "url", "", "bucket url, s3://bucket/prefix")
	cmd.Flags().StringVar(&section.EndpointURL, "endpoint-url", "", "minio endpoint, http://host:9000")
	cmd.Flags().StringVar(&section.AccessKeyID, "access-key-id", "", "access key id")
	cmd.Flags().StringVar(&section.SecretKey, "secret-key", "", "secret key")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("endpoint-url")
	_ = cmd.MarkFlagRequired("access-key-id")
	_ = cmd.MarkFlagRequired("secret-key")
	return cmd
}

func newInitAmazonS3Cmd() *cobra.Command {
	var common initCommon
	var section config.AmazonS3Config
	cmd := &cobra.Command{
		Use:   "amazonS3",
		Short: "Use an Amazon S3 bucket as the artifact repository",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Config{Backend: config.BackendAmazonS3, AmazonS3: section}
			common.apply(&cfg)
			emit(finishInit(cmd.Context(), cfg, common))
		},
	}
	common.register(cmd)
	cmd.Flags().StringVar(&section.URL, "url", "", "bucket url, s3://bucket/prefix")
	cmd.Flags().StringVar(&section.AccessKeyID, "access-key-id", "", "access key id")
	cmd.Flags().StringVar(&section.SecretKey, "secret-key", "", "secret key")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("access-key-id")
	_ = cmd.MarkFlagRequired("secret-key")
	return cmd
}

func newInitSSHCmd() *cobra.Command {
	var common initCommon
	var section config.SSHConfig
	cmd := &cobra.Command{
		Use:   "sshremote",
		Short: "Use a remote directory over ssh as the artifact repository",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Config{Backend: config.BackendSSH, SSH: section}
			common.apply(&cfg)
			emit(finishInit(cmd.Context(), cfg, common))
		},
	}
	common.register(cmd)
	cmd.Flags().StringVar(&section.Path, "path", "", "remote location, host:/dir")
	cmd.Flags().StringVar(&section.User, "user", "", "ssh user")
	cmd.Flags().StringVar(&section.Port, "port", "22", "ssh port")
	cmd.Flags().StringVar(&section.Password, "password", "", "ssh password")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newInitOSDFCmd() *cobra.Command {
	var common initCommon
	var section config.OSDFConfig
	cmd := &cobra.Command{
		Use:   "osdf",
		Short: "Use an OSDF origin as the artifact repository",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Config{Backend: config.BackendOSDF, OSDF: section}
			common.apply(&cfg)
			emit(finishInit(cmd.Context(), cfg, common))
		},
	}
	common.register(cmd)
	cmd.Flags().StringVar(&section.Path, "path", "", "origin url prefix for writes")
	cmd.Flags().StringVar(&section.KeyID, "key-id", "", "issuer key id")
	cmd.Flags().StringVar(&section.KeyPath, "key-path", "", "private key file (EC, PEM)")
	cmd.Flags().StringVar(&section.KeyIssuer, "key-issuer", "", "token issuer url")
	cmd.Flags().StringVar(&section.CacheURL, "cache", "", "cache url prefix for reads")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("key-id")
	_ = cmd.MarkFlagRequired("key-path")
	_ = cmd.MarkFlagRequired("key-issuer")
	return cmd
}

func newInitShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active cmf configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(config.Path())
			if err != nil {
				emit(fail("no cmf configuration, run cmf init first: %v", err))
				return
			}
			var b strings.Builder
			fmt.Fprintf(&b, "server-url = %s\n", cfg.ServerURL)
			fmt.Fprintf(&b, "backend = %s\n", cfg.Backend)
			switch cfg.Backend {
			case config.BackendLocal:
				fmt.Fprintf(&b, "path = %s", cfg.Local.Path)
			case config.BackendMinio:
				fmt.Fprintf(&b, "url = %s\nendpoint-url = %s", cfg.Minio.URL, cfg.Minio.EndpointURL)
			case config.BackendAmazonS3:
				fmt.Fprintf(&b, "url = %s", cfg.AmazonS3.URL)
			case config.BackendSSH:
				fmt.Fprintf(&b, "path = %s\nuser = %s\nport = %s", cfg.SSH.Path, cfg.SSH.User, cfg.SSH.Port)
			case config.BackendOSDF:
				fmt.Fprintf(&b, "path = %s\nkey-issuer = %s", cfg.OSDF.Path, cfg.OSDF.KeyIssuer)
			}
			emit(ok("%s", b.String()))
		},
	}
}
