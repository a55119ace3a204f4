// Package journal is a write-ahead log of admitted domain events. Every event
// is fsynced here before it reaches the economy so a crash between admission
// and application can be recovered by replay.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/pkg/types"
)

const (
	segmentPrefix = "wal_"
	segmentSuffix = ".log"
	headerSize    = 8
)

// Entry is one journaled event.
type Entry struct {
	LSN         uint64            `json:"lsn"`
	Fingerprint types.Fingerprint `json:"fingerprint"`
	Event       types.DomainEvent `json:"event"`
	AppendedAt  int64             `json:"appended_at"`
}

// Journal appends entries to numbered segment files. Each record is
// [length:4 LE][crc32:4 LE][json payload].
type Journal struct {
	dir        string
	maxSegSize int64
	logger     *slog.Logger

	mu         sync.Mutex
	segment    *os.File
	segmentID  uint64
	offset     int64
	currentLSN uint64
}

// Open opens or creates a journal in dir. The LSN counter resumes from the
// highest LSN found in existing segments.
func Open(dir string, maxSegSize int64, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}
	j := &Journal{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     logging.Component(logger, "journal"),
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		entries, err := readSegment(seg.path, j.logger)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.LSN > j.currentLSN {
				j.currentLSN = e.LSN
			}
		}
		j.segmentID = seg.id
	}
	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, id, segmentSuffix)
}

func (j *Journal) openSegment() error {
	path := filepath.Join(j.dir, segmentName(j.segmentID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("journal: open segment: %w", err)
	}
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return fmt.Errorf("journal: seek segment: %w", err)
	}
	j.segment = f
	j.offset = off
	return nil
}

// Append journals a batch of events with a single fsync and returns the
// entries with their assigned LSNs.
func (j *Journal) Append(events []types.DomainEvent, appendedAt int64) ([]Entry, error) {
	if len(events) == 0 {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.segment == nil {
		return nil, errors.New("journal: closed")
	}

	entries := make([]Entry, len(events))
	lsn := j.currentLSN
	var buf []byte
	for i, e := range events {
		lsn++
		entries[i] = Entry{LSN: lsn, Fingerprint: e.Fingerprint(), Event: e, AppendedAt: appendedAt}
		payload, err := json.Marshal(&entries[i])
		if err != nil {
			return nil, fmt.Errorf("journal: encode entry: %w", err)
		}
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
		buf = append(buf, hdr[:]...)
		buf = append(buf, payload...)
	}

	if _, err := j.segment.Write(buf); err != nil {
		return nil, fmt.Errorf("journal: write: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return nil, fmt.Errorf("journal: fsync: %w", err)
	}
	j.currentLSN = lsn
	j.offset += int64(len(buf))

	if j.offset >= j.maxSegSize {
		if err := j.rotate(); err != nil {
			return entries, err
		}
	}
	return entries, nil
}

func (j *Journal) rotate() error {
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("journal: close segment: %w", err)
	}
	j.segmentID++
	return j.openSegment()
}

// CurrentLSN returns the last assigned LSN.
func (j *Journal) CurrentLSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentLSN
}

// Entries returns every readable entry across all segments in LSN order.
func (j *Journal) Entries() ([]Entry, error) {
	segments, err := listSegments(j.dir)
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, seg := range segments {
		entries, err := readSegment(seg.path, j.logger)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].LSN < all[b].LSN })
	return all, nil
}

// Truncate removes closed segments whose every entry has an LSN at or below
// lsn. The active segment is never removed.
func (j *Journal) Truncate(lsn uint64) (int, error) {
	return j.Prune(func(e Entry) (bool, error) { return e.LSN <= lsn, nil })
}

// Prune removes closed segments for which done reports true on every entry.
// The active segment is never removed.
func (j *Journal) Prune(done func(Entry) (bool, error)) (int, error) {
	j.mu.Lock()
	active := j.segmentID
	j.mu.Unlock()

	segments, err := listSegments(j.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, seg := range segments {
		if seg.id >= active {
			continue
		}
		entries, err := readSegment(seg.path, j.logger)
		if err != nil {
			return removed, err
		}
		keep := false
		for _, e := range entries {
			ok, err := done(e)
			if err != nil {
				return removed, err
			}
			if !ok {
				keep = true
				break
			}
		}
		if keep {
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			return removed, fmt.Errorf("journal: remove segment: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Close fsyncs and closes the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.segment == nil {
		return nil
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("journal: fsync on close: %w", err)
	}
	err := j.segment.Close()
	j.segment = nil
	return err
}

type segmentFile struct {
	id   uint64
	path string
}

func listSegments(dir string) ([]segmentFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: read directory: %w", err)
	}
	var out []segmentFile
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || len(name) != len(segmentName(0)) || name[:len(segmentPrefix)] != segmentPrefix {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name[len(segmentPrefix):len(segmentPrefix)+16], "%016x", &id); err != nil {
			continue
		}
		out = append(out, segmentFile{id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out, nil
}

// ReadSegment reads every valid entry from one segment file. Records with a
// CRC mismatch are skipped; a truncated tail ends the read.
func ReadSegment(path string) ([]Entry, error) {
	return readSegment(path, slog.Default())
}

func readSegment(path string, logger *slog.Logger) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open segment: %w", err)
	}
	defer f.Close()

	var (
		entries []Entry
		offset  int64
		hdr     [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("journal: read header: %w", err)
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			logger.Warn("truncated journal record", "segment", path, "offset", offset)
			break
		}
		if crc32.ChecksumIEEE(payload) != crc {
			logger.Warn("journal crc mismatch, skipping record", "segment", path, "offset", offset)
			offset += headerSize + int64(length)
			continue
		}
		offset += headerSize + int64(length)

		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			logger.Warn("undecodable journal record", "segment", path, "offset", offset, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
