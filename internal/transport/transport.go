// Package transport fetches appended bytes from game-server log files.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/sftp"

	"github.com/killfeed/killfeed/internal/config"
	kferrors "github.com/killfeed/killfeed/internal/errors"
)

// LogFile identifies the concrete file a source follows at one moment.
type LogFile struct {
	Path string
	Size int64
}

// Transport reads a single log source.
type Transport interface {
	// FetchAppendedBytes returns up to max bytes of the file at path,
	// starting at offset from. path is one previously returned by LogSize.
	// Fewer bytes than max means the end of the file was reached.
	FetchAppendedBytes(ctx context.Context, path string, from int64, max int64) ([]byte, error)

	// LogSize resolves the followed file and returns its path and size.
	LogSize(ctx context.Context) (LogFile, error)

	Close() error
}

// Notifier is implemented by transports that can signal a change to the
// log before the next scheduled poll.
type Notifier interface {
	Changes() <-chan struct{}
}

// New builds the transport for a source.
func New(src config.SourceConfig) (Transport, error) {
	switch src.Kind {
	case config.SourceSFTP:
		return NewSFTP(SFTPConfig{
			Addr:     net.JoinHostPort(src.Host, fmt.Sprint(src.Port)),
			Username: src.Username,
			Password: src.Password,
			Path:     src.Path,
			Timeout:  src.PollTimeout,
		}), nil
	case config.SourceLocal:
		return NewLocal(src.Path)
	}
	return nil, kferrors.NewConfigError(fmt.Sprintf("source %s: unknown kind %q", src.ID, src.Kind), nil)
}

// Classify maps a raw transport failure onto the error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ke *kferrors.Error
	if errors.As(err, &ke) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return kferrors.NewTransportError(kferrors.CodeTimeout, "transport timeout", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return kferrors.NewTransportError(kferrors.CodeConnectionRefused, "connection refused", err)
	case isAuthFailure(err):
		return kferrors.NewTransportError(kferrors.CodeAuthFailed, "authentication failed", err)
	case errors.Is(err, os.ErrNotExist), isNoSuchFile(err):
		return kferrors.NewTransportError(kferrors.CodeSourceNotFound, "log file not found", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET):
		return kferrors.NewTransportError(kferrors.CodeConnectionRefused, "connection lost", err)
	}
	return kferrors.NewTransportError(kferrors.CodeConnectionRefused, "transport failure", err)
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

func isNoSuchFile(err error) bool {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status.FxCode() == sftp.ErrSSHFxNoSuchFile
	}
	return false
}
