package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/jlaffaye/ftp"
)

// ftpConn is the part of *ftp.ServerConn the backend uses.
type ftpConn interface {
	MakeDir(path string) error
	FileSize(path string) (int64, error)
	Stor(path string, r io.Reader) error
	Delete(path string) error
	Rename(from, to string) error
	Quit() error
}

// FTP is a destination directory on an FTP server. Like SFTP, the control
// connection is opened lazily and dropped after transport errors.
type FTP struct {
	settings Settings
	dial     func(ctx context.Context) (ftpConn, error)

	mu   sync.Mutex
	conn ftpConn
}

// NewFTP returns an FTP destination. No connection is made until first use.
func NewFTP(s Settings) *FTP {
	t := &FTP{settings: s}
	t.dial = t.login
	return t
}

func (t *FTP) Name() string {
	return fmt.Sprintf("ftp://%s@%s%s", t.settings.Username, t.addr(), t.settings.Path)
}

func (t *FTP) addr() string {
	return net.JoinHostPort(t.settings.Host, strconv.Itoa(t.settings.Port))
}

func (t *FTP) connect(ctx context.Context) (ftpConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

func (t *FTP) login(ctx context.Context) (ftpConn, error) {
	conn, err := ftp.Dial(t.addr(),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(t.settings.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("ftp: failed to connect: %w", err)
	}

	user, pass := t.settings.Username, t.settings.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp: login failed: %w", err)
	}
	return conn, nil
}

func (t *FTP) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Quit()
		t.conn = nil
	}
}

// replyCode returns the FTP reply code carried by err, or 0 for transport
// failures.
func replyCode(err error) int {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Code
	}
	return 0
}

func (t *FTP) fail(err error) {
	if replyCode(err) == 0 {
		t.drop()
	}
}

func (t *FTP) remote(name string) string {
	return path.Join(t.settings.Path, name)
}

// Prepare creates each missing component of the destination path.
func (t *FTP) Prepare(ctx context.Context) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}

	current := "/"
	if !strings.HasPrefix(t.settings.Path, "/") {
		current = ""
	}
	for _, part := range strings.Split(strings.Trim(t.settings.Path, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if err := conn.MakeDir(current); err != nil {
			// 550 is what most servers answer for an existing directory.
			if replyCode(err) == ftp.StatusFileUnavailable || isDirectoryExistsError(err) {
				continue
			}
			t.fail(err)
			return fmt.Errorf("ftp: failed to create directory %s: %w", current, err)
		}
	}
	return nil
}

func isDirectoryExistsError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "file exists") ||
		strings.Contains(s, "already exists") ||
		strings.Contains(s, "directory exists")
}

func (t *FTP) Stat(ctx context.Context, name string) (int64, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return 0, err
	}
	size, err := conn.FileSize(t.remote(name))
	if err != nil {
		if replyCode(err) == ftp.StatusFileUnavailable {
			return 0, fmt.Errorf("ftp: %s: %w", name, fs.ErrNotExist)
		}
		t.fail(err)
		return 0, fmt.Errorf("ftp: size %s: %w", name, err)
	}
	return size, nil
}

func (t *FTP) Put(ctx context.Context, name string, r io.Reader) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}

	final := t.remote(name)
	tmp := final + partialSuffix

	if err := conn.Stor(tmp, r); err != nil {
		t.fail(err)
		return fmt.Errorf("ftp: failed to upload %s: %w", tmp, err)
	}
	// Servers differ on whether RNTO overwrites, so clear the target first.
	if err := conn.Delete(final); err != nil && replyCode(err) != ftp.StatusFileUnavailable {
		t.fail(err)
		return fmt.Errorf("ftp: failed to replace %s: %w", final, err)
	}
	if err := conn.Rename(tmp, final); err != nil {
		_ = conn.Delete(tmp)
		t.fail(err)
		return fmt.Errorf("ftp: failed to rename %s: %w", tmp, err)
	}
	return nil
}

func (t *FTP) Remove(ctx context.Context, name string) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	for _, p := range []string{t.remote(name) + partialSuffix, t.remote(name)} {
		if err := conn.Delete(p); err != nil && replyCode(err) != ftp.StatusFileUnavailable {
			t.fail(err)
			return fmt.Errorf("ftp: failed to delete %s: %w", p, err)
		}
	}
	return nil
}

func (t *FTP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Quit()
	t.conn = nil
	return err
}
