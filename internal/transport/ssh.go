package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSH moves objects over sftp, the "ssh" artifact backend.
type SSH struct {
	client *sftp.Client
	conn   *ssh.Client
	root   string
}

type SSHConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	// Root is the remote directory holding the object tree.
	Root string
}

func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("ssh backend: %w", ErrCredential)
	}
	port := cfg.Port
	if port == "" {
		port = "22"
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	conn, err := ssh.Dial("tcp", net.JoinHostPort(cfg.Host, port), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Host, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	return &SSH{client: client, conn: conn, root: cfg.Root}, nil
}

func (s *SSH) Close() error {
	s.client.Close()
	return s.conn.Close()
}

func (s *SSH) Upload(_ context.Context, localPath, objectPath string) error {
	remote := path.Join(s.root, objectPath)
	if err := s.client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}
	src, err := openLocal(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := s.client.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remote, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy to %s: %w", remote, err)
	}
	return dst.Close()
}

func (s *SSH) Download(_ context.Context, objectPath, localPath string) error {
	remote := path.Join(s.root, objectPath)
	src, err := s.client.Open(remote)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remote, err)
	}
	defer src.Close()

	dst, err := createLocal(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy from %s: %w", remote, err)
	}
	return dst.Close()
}
