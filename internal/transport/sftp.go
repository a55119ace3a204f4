package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig holds connection settings for an SFTP log source.
type SFTPConfig struct {
	Addr     string
	Username string
	Password string

	// Path is a file path or a glob; with a glob the most recently modified
	// match is followed.
	Path    string
	Timeout time.Duration
}

// Dialer opens an SFTP session. The returned closer releases the session
// and its underlying connection.
type Dialer func(ctx context.Context) (*sftp.Client, io.Closer, error)

// SFTPTransport reads a remote log over SFTP. The session is opened lazily
// and dropped after any failure so the next call reconnects.
type SFTPTransport struct {
	path string
	dial Dialer

	mu     sync.Mutex
	client *sftp.Client
	closer io.Closer
}

// NewSFTP creates a transport dialing cfg.Addr with password auth.
func NewSFTP(cfg SFTPConfig) *SFTPTransport {
	return NewSFTPWithDialer(cfg.Path, passwordDialer(cfg))
}

// NewSFTPWithDialer creates a transport over a caller-supplied dialer.
func NewSFTPWithDialer(path string, dial Dialer) *SFTPTransport {
	return &SFTPTransport{path: path, dial: dial}
}

func passwordDialer(cfg SFTPConfig) Dialer {
	return func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		sshCfg := &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.Timeout,
		}
		conn, err := ssh.Dial("tcp", cfg.Addr, sshCfg)
		if err != nil {
			return nil, nil, err
		}
		client, err := sftp.NewClient(conn)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return client, closerFunc(func() error {
			client.Close()
			return conn.Close()
		}), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (t *SFTPTransport) session(ctx context.Context) (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	type result struct {
		client *sftp.Client
		closer io.Closer
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, cl, err := t.dial(ctx)
		done <- result{c, cl, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.closer.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		t.client, t.closer = r.client, r.closer
		return t.client, nil
	}
}

func (t *SFTPTransport) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closer != nil {
		t.closer.Close()
	}
	t.client, t.closer = nil, nil
}

// resolve returns the concrete path to read, following the newest glob match.
func (t *SFTPTransport) resolve(client *sftp.Client) (string, os.FileInfo, error) {
	matches, err := client.Glob(t.path)
	if err != nil {
		return "", nil, err
	}
	if len(matches) == 0 {
		return "", nil, os.ErrNotExist
	}
	var (
		best     string
		bestInfo os.FileInfo
	)
	for _, m := range matches {
		info, err := client.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if bestInfo == nil || info.ModTime().After(bestInfo.ModTime()) {
			best, bestInfo = m, info
		}
	}
	if bestInfo == nil {
		return "", nil, os.ErrNotExist
	}
	return best, bestInfo, nil
}

// LogSize resolves the followed log file and stats it.
func (t *SFTPTransport) LogSize(ctx context.Context) (LogFile, error) {
	var lf LogFile
	err := t.do(ctx, func(client *sftp.Client) error {
		path, info, err := t.resolve(client)
		if err != nil {
			return err
		}
		lf = LogFile{Path: path, Size: info.Size()}
		return nil
	})
	return lf, err
}

// FetchAppendedBytes reads path starting at from. The path is not
// re-resolved, so a newer glob match cannot change the file mid-poll.
func (t *SFTPTransport) FetchAppendedBytes(ctx context.Context, path string, from int64, max int64) ([]byte, error) {
	var data []byte
	err := t.do(ctx, func(client *sftp.Client) error {
		f, err := client.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Seek(from, io.SeekStart); err != nil {
			return err
		}
		data, err = io.ReadAll(io.LimitReader(f, max))
		return err
	})
	return data, err
}

// do runs op on a live session, abandoning it when ctx ends first.
func (t *SFTPTransport) do(ctx context.Context, op func(*sftp.Client) error) error {
	client, err := t.session(ctx)
	if err != nil {
		return Classify(err)
	}
	done := make(chan error, 1)
	go func() { done <- op(client) }()
	select {
	case <-ctx.Done():
		// A stalled request leaves the session unusable.
		t.drop()
		return Classify(ctx.Err())
	case err := <-done:
		if err != nil {
			if !os.IsNotExist(err) {
				t.drop()
			}
			return Classify(fmt.Errorf("sftp %s: %w", t.path, err))
		}
		return nil
	}
}

// Close releases the SFTP session.
func (t *SFTPTransport) Close() error {
	t.drop()
	return nil
}
