// Package storage provides the destination backends remainder archives are
// uploaded to: a local or mounted directory, an SFTP server or an FTP server.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Common defaults shared by the network backends
const (
	DefaultFTPPort = 21
	DefaultSSHPort = 22
	DefaultTimeout = 30 * time.Second

	// partialSuffix marks an upload that has not been renamed into place yet
	partialSuffix = ".partial"
)

// ErrNotExist is returned by Stat when the named artifact is absent.
var ErrNotExist = fs.ErrNotExist

// Destination is a flat namespace of artifacts addressed by base name.
type Destination interface {
	// Name describes the destination for logs.
	Name() string
	// Prepare creates the destination location if it is absent.
	Prepare(ctx context.Context) error
	// Stat returns the artifact size, or an error wrapping ErrNotExist.
	Stat(ctx context.Context, name string) (int64, error)
	// Put writes r under name. The data is written under a temporary name and
	// renamed into place, so name never refers to a half-written artifact.
	Put(ctx context.Context, name string, r io.Reader) error
	// Remove deletes name and any leftover partial upload of it.
	// Missing artifacts are not an error.
	Remove(ctx context.Context, name string) error
	Close() error
}

// IsNotExist reports whether err means the artifact is absent.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Settings describes a network destination parsed from a URL.
type Settings struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	KeyFile  string
	Path     string
	Timeout  time.Duration
}

// Open returns the destination described by location. Plain paths are local
// directories; sftp:// and ftp:// URLs select the network backends. For SFTP,
// the query parameter "key" names a private key file.
func Open(location string) (Destination, error) {
	if !strings.Contains(location, "://") {
		return NewLocal(location), nil
	}

	s, err := ParseURL(location)
	if err != nil {
		return nil, err
	}
	switch s.Scheme {
	case "sftp":
		return NewSFTP(s), nil
	case "ftp":
		return NewFTP(s), nil
	case "file":
		return NewLocal(s.Path), nil
	default:
		return nil, fmt.Errorf("unsupported destination scheme %q", s.Scheme)
	}
}

// ParseURL parses a destination URL into Settings.
func ParseURL(location string) (Settings, error) {
	u, err := url.Parse(location)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid destination URL: %w", err)
	}

	s := Settings{
		Scheme:  strings.ToLower(u.Scheme),
		Host:    u.Hostname(),
		Path:    u.Path,
		Timeout: DefaultTimeout,
	}
	if u.User != nil {
		s.Username = u.User.Username()
		s.Password, _ = u.User.Password()
	}

	switch s.Scheme {
	case "sftp":
		s.Port = DefaultSSHPort
	case "ftp":
		s.Port = DefaultFTPPort
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid port %q", p)
		}
		s.Port = port
	}

	q := u.Query()
	s.KeyFile = q.Get("key")
	if t := q.Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid timeout format: %w", err)
		}
		s.Timeout = d
	}

	if s.Scheme != "file" && s.Host == "" {
		return Settings{}, fmt.Errorf("%s: host is required", s.Scheme)
	}
	if s.Path == "" {
		s.Path = "/"
	}
	return s, nil
}
