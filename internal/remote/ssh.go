// Package remote runs commands on and copies files to provisioned nodes
// over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	User           string
	IdentityPath   string
	KnownHostsPath string
	Port           int
	ConnectTimeout time.Duration
}

// Transfer copies Local to Remote. A zero Mode keeps the server default.
type Transfer struct {
	Local  string
	Remote string
	Mode   os.FileMode
}

type Session interface {
	PutFiles(ctx context.Context, files []Transfer) error
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) error
	Close() error
}

// SSH dials nodes with a fixed administrative identity.
type SSH struct {
	cfg Config
}

func NewSSH(cfg Config) *SSH {
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	return &SSH{cfg: cfg}
}

func (t *SSH) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(t.cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh identity %s: %w", t.cfg.IdentityPath, err)
	}
	// Freshly ordered nodes have host keys nobody has seen yet, so host key
	// checking only happens when a known_hosts file is configured.
	hostKeys := ssh.InsecureIgnoreHostKey()
	if t.cfg.KnownHostsPath != "" {
		if hostKeys, err = knownhosts.New(t.cfg.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}
	return &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         t.cfg.ConnectTimeout,
	}, nil
}

func (t *SSH) Connect(ctx context.Context, host string) (Session, error) {
	cfg, err := t.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))
	}

	d := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(t.cfg.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &session{client: ssh.NewClient(c, chans, reqs)}, nil
}

type session struct {
	client *ssh.Client
}

func (s *session) PutFiles(ctx context.Context, files []Transfer) error {
	sc, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := putFile(sc, f); err != nil {
			return fmt.Errorf("upload %s to %s: %w", f.Local, f.Remote, err)
		}
	}
	return nil
}

func putFile(sc *sftp.Client, f Transfer) error {
	src, err := os.Open(f.Local)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := sc.Create(f.Remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	if f.Mode != 0 {
		return sc.Chmod(f.Remote, f.Mode)
	}
	return nil
}

// Exec runs cmd and streams its output. A non-zero exit status is returned
// as *ssh.ExitError. Cancelling ctx closes the remote session.
func (s *session) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()
	sess.Stdout = stdout
	sess.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return ctx.Err()
	}
}

func (s *session) Close() error {
	err := s.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ExitStatus extracts the remote exit code from an Exec error, or -1.
func ExitStatus(err error) int {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
