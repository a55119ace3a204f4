package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// LocalTransport reads a log file on the local filesystem. It watches the
// file's directory and signals Changes on writes, creates and renames of the
// file so a reader can poll early.
type LocalTransport struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLocal creates a transport for path. A watcher failure is not fatal; the
// transport then only serves scheduled polls.
func NewLocal(path string) (*LocalTransport, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("local transport: %w", err)
	}
	t := &LocalTransport{
		path:    filepath.Clean(abs),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(filepath.Dir(t.path)); err == nil {
			t.watcher = w
			go t.watch()
		} else {
			w.Close()
		}
	}
	return t, nil
}

func (t *LocalTransport) watch() {
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Clean(ev.Name), t.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case t.changes <- struct{}{}:
			default:
			}
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Changes signals filesystem activity on the log file. Signals coalesce.
func (t *LocalTransport) Changes() <-chan struct{} {
	return t.changes
}

// LogSize stats the log file.
func (t *LocalTransport) LogSize(ctx context.Context) (LogFile, error) {
	if err := ctx.Err(); err != nil {
		return LogFile{}, Classify(err)
	}
	info, err := os.Stat(t.path)
	if err != nil {
		return LogFile{}, Classify(err)
	}
	return LogFile{Path: t.path, Size: info.Size()}, nil
}

// FetchAppendedBytes reads up to max bytes of path from offset from.
func (t *LocalTransport) FetchAppendedBytes(ctx context.Context, path string, from int64, max int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Classify(err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.NewSectionReader(f, from, max))
	if err != nil {
		return nil, Classify(err)
	}
	return data, nil
}

// Close stops the watcher.
func (t *LocalTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		if t.watcher != nil {
			err = t.watcher.Close()
		}
	})
	return err
}
