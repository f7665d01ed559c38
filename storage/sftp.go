// storage/sftp.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"github.com/cockroachdb/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"io"
	"math/rand"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type SFTPOptions struct {
	// user@host[:port]
	Endpoint string
	// Remote directory holding the repository.
	Dir            string
	KeyPath        string
	KeyPassphrase  string
	Password       string
	KnownHostsPath string
	// Skips host key verification. Only for testing.
	Insecure bool
}

// SFTP is a Backend that stores objects as files in a directory on an
// SSH server. The connection is established lazily and re-established
// after transport errors.
type SFTP struct {
	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
	host   string
	dir    string
	config *ssh.ClientConfig
}

func NewSFTP(opts SFTPOptions) (*SFTP, error) {
	user, host, err := parseSFTPEndpoint(opts.Endpoint)
	if err != nil {
		return nil, permanent(err, opts.Endpoint)
	}
	auth, err := sshAuthMethods(opts)
	if err != nil {
		return nil, permanent(err, opts.Endpoint)
	}
	hostKeys, err := hostKeyCallback(opts)
	if err != nil {
		return nil, permanent(err, opts.Endpoint)
	}
	return &SFTP{
		host: host,
		dir:  strings.TrimRight(opts.Dir, "/"),
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         30 * time.Second,
		},
	}, nil
}

// parseSFTPEndpoint parses "user@host:port" into user and host:port
func parseSFTPEndpoint(endpoint string) (user, host string, err error) {
	parts := strings.SplitN(endpoint, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Newf("%q: must be in format user@host[:port]", endpoint)
	}
	user, host = parts[0], parts[1]
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	return user, host, nil
}

func sshAuthMethods(opts SFTPOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	keyPaths := []string{opts.KeyPath}
	if opts.KeyPath == "" {
		keyPaths = nil
		if home, err := os.UserHomeDir(); err == nil {
			for _, k := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPaths = append(keyPaths, filepath.Join(home, ".ssh", k))
			}
		}
	}
	for _, p := range keyPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			if opts.KeyPath != "" {
				return nil, errors.Wrapf(err, "reading SSH key")
			}
			continue
		}
		var signer ssh.Signer
		if opts.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(opts.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(data)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: parsing SSH key", p)
		}
		methods = append(methods, ssh.PublicKeys(signer))
		break
	}
	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH key or password configured")
	}
	return methods, nil
}

func hostKeyCallback(opts SFTPOptions) (ssh.HostKeyCallback, error) {
	if opts.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := opts.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading known hosts", path)
	}
	return cb, nil
}

func (s *SFTP) String() string {
	return fmt.Sprintf("sftp://%s@%s%s", s.config.User, s.host, s.dir)
}

func (s *SFTP) conn() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	sshClient, err := ssh.Dial("tcp", s.host, s.config)
	if err != nil {
		return nil, transient(err, s.host)
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, transient(err, s.host)
	}
	s.ssh, s.client = sshClient, client
	return client, nil
}

// reset drops the connection so that the next operation reconnects; it's
// called after errors that may have left the transport broken.
func (s *SFTP) reset(err error) {
	if !IsTransient(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.ssh.Close()
		s.client, s.ssh = nil, nil
	}
}

func (s *SFTP) Close() error {
	s.reset(transient(errors.New("closing"), s.host))
	return nil
}

func (s *SFTP) path(name string) string {
	return path.Join(s.dir, name)
}

func (s *SFTP) classify(err error, name string) error {
	if err == nil {
		return nil
	}
	var se *sftp.StatusError
	switch {
	case errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxNoSuchFile:
		err = notFound(err, name)
	case errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxPermissionDenied:
		err = permanent(err, name)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection):
		err = transient(err, name)
	default:
		err = classify(err, name)
	}
	s.reset(err)
	return err
}

func (s *SFTP) Put(ctx context.Context, name string, r io.Reader) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	p := s.path(name)
	if err := c.MkdirAll(path.Dir(p)); err != nil {
		return s.classify(err, name)
	}
	tmp := fmt.Sprintf("%s%s%08x", p, tmpMarker, rand.Uint32())
	f, err := c.Create(tmp)
	if err != nil {
		return s.classify(err, name)
	}
	if _, err := io.Copy(f, contextReader{ctx, r}); err != nil {
		f.Close()
		c.Remove(tmp)
		return s.classify(err, name)
	}
	if err := f.Close(); err != nil {
		c.Remove(tmp)
		return s.classify(err, name)
	}
	if err := c.PosixRename(tmp, p); err != nil {
		c.Remove(tmp)
		return s.classify(err, name)
	}
	return nil
}

func (s *SFTP) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	f, err := c.Open(s.path(name))
	if err != nil {
		return nil, s.classify(err, name)
	}
	return f, nil
}

func (s *SFTP) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	f, err := c.Open(s.path(name))
	if err != nil {
		return nil, s.classify(err, name)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, s.classify(err, name)
	}
	if err := checkRange(name, offset, length, fi.Size()); err != nil {
		return nil, err
	}
	b := make([]byte, length)
	if _, err := f.ReadAt(b, offset); err != nil && !(err == io.EOF && length == 0) {
		return nil, s.classify(err, name)
	}
	return b, nil
}

func (s *SFTP) List(ctx context.Context, prefix string) ([]string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	var names []string
	w := c.Walk(s.dir)
	for w.Step() {
		if err := w.Err(); err != nil {
			if os.IsNotExist(err) && w.Path() == s.dir {
				return nil, nil
			}
			return nil, s.classify(err, prefix)
		}
		if w.Stat().IsDir() || strings.Contains(path.Base(w.Path()), tmpMarker) {
			continue
		}
		name := strings.TrimPrefix(strings.TrimPrefix(w.Path(), s.dir), "/")
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		if err := ctx.Err(); err != nil {
			return nil, permanent(err, prefix)
		}
	}
	return sortedNames(names), nil
}

func (s *SFTP) Delete(ctx context.Context, name string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	return s.classify(c.Remove(s.path(name)), name)
}
