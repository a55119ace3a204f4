package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killfeed/killfeed/internal/config"
	kferrors "github.com/killfeed/killfeed/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
		fatal     bool
	}{
		{"deadline", context.DeadlineExceeded, kferrors.CodeTimeout, true, false},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, kferrors.CodeConnectionRefused, true, false},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), kferrors.CodeAuthFailed, false, true},
		{"missing", fmt.Errorf("open: %w", os.ErrNotExist), kferrors.CodeSourceNotFound, false, false},
		{"reset", io.ErrUnexpectedEOF, kferrors.CodeConnectionRefused, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			assert.Equal(t, tt.code, kferrors.GetCode(err))
			assert.Equal(t, tt.retryable, kferrors.IsRetryable(err))
			assert.Equal(t, tt.fatal, kferrors.IsFatal(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, Classify(nil))
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(config.SourceConfig{ID: "x", Kind: "ftp"})
	require.Error(t, err)
	assert.True(t, kferrors.IsFatal(err))
}

func TestLocal_FetchAndSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deathlog.csv")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	tr, err := NewLocal(path)
	require.NoError(t, err)
	defer tr.Close()
	ctx := context.Background()

	lf, err := tr.LogSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), lf.Size)
	assert.Equal(t, filepath.Clean(path), lf.Path)

	data, err := tr.FetchAppendedBytes(ctx, lf.Path, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, "456", string(data))

	data, err = tr.FetchAppendedBytes(ctx, lf.Path, 8, 100)
	require.NoError(t, err)
	assert.Equal(t, "89", string(data))

	data, err = tr.FetchAppendedBytes(ctx, lf.Path, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestLocal_Missing(t *testing.T) {
	tr, err := NewLocal(filepath.Join(t.TempDir(), "absent.log"))
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.LogSize(context.Background())
	assert.Equal(t, kferrors.CodeSourceNotFound, kferrors.GetCode(err))
}

func TestLocal_ChangesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deathlog.csv")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	tr, err := NewLocal(path)
	require.NoError(t, err)
	defer tr.Close()
	if tr.watcher == nil {
		t.Skip("fsnotify unavailable")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case <-tr.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change notification")
	}
}

// pipeDialer serves an in-memory SFTP filesystem over io pipes.
func pipeDialer(t *testing.T) (Dialer, *sftp.Client) {
	t.Helper()
	handlers := sftp.InMemHandler()
	dial := func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		cr, sw := io.Pipe()
		sr, cw := io.Pipe()
		server := sftp.NewRequestServer(struct {
			io.Reader
			io.WriteCloser
		}{sr, sw}, handlers)
		go server.Serve()
		client, err := sftp.NewClientPipe(cr, cw)
		if err != nil {
			return nil, nil, err
		}
		return client, closerFunc(func() error {
			client.Close()
			return server.Close()
		}), nil
	}
	setup, _, err := dial(context.Background())
	require.NoError(t, err)
	return dial, setup
}

func TestSFTP_FetchAppendedBytes(t *testing.T) {
	dial, setup := pipeDialer(t)
	defer setup.Close()

	f, err := setup.Create("/deathlog.csv")
	require.NoError(t, err)
	_, err = f.Write([]byte("first line\nsecond line\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tr := NewSFTPWithDialer("/deathlog.csv", dial)
	defer tr.Close()
	ctx := context.Background()

	lf, err := tr.LogSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, LogFile{Path: "/deathlog.csv", Size: 23}, lf)

	data, err := tr.FetchAppendedBytes(ctx, lf.Path, 11, 1024)
	require.NoError(t, err)
	assert.Equal(t, "second line\n", string(data))
}

func TestSFTP_FetchReadsTheResolvedPath(t *testing.T) {
	dial, setup := pipeDialer(t)
	defer setup.Close()
	require.NoError(t, setup.Mkdir("/logs"))
	write := func(name, body string) {
		f, err := setup.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	write("/logs/a.csv", "old file\n")

	tr := NewSFTPWithDialer("/logs/*.csv", dial)
	defer tr.Close()
	ctx := context.Background()

	lf, err := tr.LogSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/logs/a.csv", lf.Path)

	write("/logs/b.csv", "new file with more bytes\n")
	data, err := tr.FetchAppendedBytes(ctx, lf.Path, 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, "old file\n", string(data))
}

func TestSFTP_MissingFile(t *testing.T) {
	dial, setup := pipeDialer(t)
	defer setup.Close()

	tr := NewSFTPWithDialer("/nope.log", dial)
	defer tr.Close()

	_, err := tr.LogSize(context.Background())
	require.Error(t, err)
	assert.Equal(t, kferrors.CodeSourceNotFound, kferrors.GetCode(err))
}

func TestSFTP_DialFailureClassified(t *testing.T) {
	tr := NewSFTPWithDialer("/x", func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		return nil, nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	})
	_, err := tr.FetchAppendedBytes(context.Background(), "/x", 0, 10)
	assert.Equal(t, kferrors.CodeConnectionRefused, kferrors.GetCode(err))
	assert.True(t, kferrors.IsRetryable(err))
}
