package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTP is a destination directory on an SSH server. The connection is opened
// on first use and dropped after any transport error so the next call
// reconnects.
type SFTP struct {
	settings Settings
	dial     func() (io.Closer, *sftp.Client, error)

	mu     sync.Mutex
	conn   io.Closer
	client *sftp.Client
}

// NewSFTP returns an SFTP destination. No connection is made until first use.
func NewSFTP(s Settings) *SFTP {
	t := &SFTP{settings: s}
	t.dial = t.dialSSH
	return t
}

func (t *SFTP) Name() string {
	return fmt.Sprintf("sftp://%s@%s%s", t.settings.Username, t.addr(), t.settings.Path)
}

func (t *SFTP) addr() string {
	return net.JoinHostPort(t.settings.Host, strconv.Itoa(t.settings.Port))
}

func (t *SFTP) connect(ctx context.Context) (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	type connResult struct {
		conn   io.Closer
		client *sftp.Client
		err    error
	}
	resultChan := make(chan connResult, 1)

	go func() {
		conn, client, err := t.dial()
		resultChan <- connResult{conn: conn, client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine still delivers into the buffered channel; close
		// whatever it produced.
		go func() {
			if r := <-resultChan; r.client != nil {
				r.client.Close()
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resultChan:
		if r.err != nil {
			return nil, r.err
		}
		t.conn, t.client = r.conn, r.client
		return r.client, nil
	}
}

func (t *SFTP) dialSSH() (io.Closer, *sftp.Client, error) {
	config := &ssh.ClientConfig{
		User:            t.settings.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.settings.Timeout,
	}

	switch {
	case t.settings.KeyFile != "":
		key, err := os.ReadFile(t.settings.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case t.settings.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(t.settings.Password)}
	default:
		return nil, nil, errors.New("sftp: no authentication method provided")
	}

	sshConn, err := ssh.Dial("tcp", t.addr(), config)
	if err != nil {
		return nil, nil, fmt.Errorf("sftp: failed to connect: %w", err)
	}
	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, nil, fmt.Errorf("sftp: failed to create client: %w", err)
	}
	return sshConn, client, nil
}

// drop discards the current connection after a transport failure.
func (t *SFTP) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *SFTP) closeLocked() error {
	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return err
}

// isTransportError reports whether err came from the connection rather than
// the remote filesystem.
func isTransportError(err error) bool {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return false
	}
	return !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission)
}

func (t *SFTP) remote(name string) string {
	return path.Join(t.settings.Path, name)
}

func (t *SFTP) Prepare(ctx context.Context) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	if err := client.MkdirAll(t.settings.Path); err != nil {
		if isTransportError(err) {
			t.drop()
		}
		return fmt.Errorf("sftp: failed to create %s: %w", t.settings.Path, err)
	}
	return nil
}

func (t *SFTP) Stat(ctx context.Context, name string) (int64, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return 0, err
	}
	info, err := client.Stat(t.remote(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("sftp: %s: %w", name, fs.ErrNotExist)
		}
		if isTransportError(err) {
			t.drop()
		}
		return 0, fmt.Errorf("sftp: stat %s: %w", name, err)
	}
	return info.Size(), nil
}

func (t *SFTP) Put(ctx context.Context, name string, r io.Reader) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}

	final := t.remote(name)
	tmp := final + partialSuffix

	err = func() error {
		f, err := client.Create(tmp)
		if err != nil {
			return fmt.Errorf("sftp: failed to create %s: %w", tmp, err)
		}
		if _, err := f.ReadFrom(r); err != nil {
			f.Close()
			return fmt.Errorf("sftp: failed to write %s: %w", tmp, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("sftp: failed to close %s: %w", tmp, err)
		}
		// PosixRename overwrites an existing target where plain Rename fails.
		if err := client.PosixRename(tmp, final); err != nil {
			return fmt.Errorf("sftp: failed to rename %s: %w", tmp, err)
		}
		return nil
	}()
	if err != nil {
		_ = client.Remove(tmp)
		if isTransportError(err) {
			t.drop()
		}
		return err
	}
	return nil
}

func (t *SFTP) Remove(ctx context.Context, name string) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	for _, p := range []string{t.remote(name) + partialSuffix, t.remote(name)} {
		if err := client.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if isTransportError(err) {
				t.drop()
			}
			return fmt.Errorf("sftp: failed to remove %s: %w", p, err)
		}
	}
	return nil
}

func (t *SFTP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}
