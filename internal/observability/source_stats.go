// Package observability tracks per-source ingestion statistics for the
// status API and logs.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

// SourceState is the scheduling state of a source poller.
type SourceState string

const (
	StateStarting SourceState = "starting"
	StateRunning  SourceState = "running"
	StateBackoff  SourceState = "backoff"
	StateHalted   SourceState = "halted"
	StateStopped  SourceState = "stopped"
)

// Stats tracks counters for every monitored source.
type Stats struct {
	mu      sync.RWMutex
	sources map[string]*sourceStats
}

type sourceStats struct {
	snap    SourceSnapshot
	latency ewma.MovingAverage
}

// SourceSnapshot is a point-in-time copy of one source's counters.
type SourceSnapshot struct {
	SourceID string      `json:"source_id"`
	State    SourceState `json:"state"`

	Polls       int64 `json:"polls"`
	PollErrors  int64 `json:"poll_errors"`
	Rotations   int64 `json:"rotations"`
	BytesRead   int64 `json:"bytes_read"`
	Lines       int64 `json:"lines"`
	Skipped     int64 `json:"skipped"`
	Novel       int64 `json:"novel"`
	Duplicates  int64 `json:"duplicates"`
	LateEvents  int64 `json:"late_events"`
	Rendered    int64 `json:"rendered"`
	RenderFails int64 `json:"render_failures"`

	// PollLatency is the exponentially weighted average poll duration.
	PollLatency time.Duration `json:"poll_latency"`
	LastPoll    time.Time     `json:"last_poll,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// NewStats creates an empty tracker.
func NewStats() *Stats {
	return &Stats{sources: make(map[string]*sourceStats)}
}

// source must be called with mu held for writing.
func (s *Stats) source(id string) *sourceStats {
	st, ok := s.sources[id]
	if !ok {
		st = &sourceStats{
			snap:    SourceSnapshot{SourceID: id, State: StateStarting},
			latency: ewma.NewMovingAverage(),
		}
		s.sources[id] = st
	}
	return st
}

func (s *Stats) update(id string, fn func(*sourceStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.source(id))
}

// SetState records the poller state. Entering StateRunning clears the last error.
func (s *Stats) SetState(id string, state SourceState) {
	s.update(id, func(st *sourceStats) {
		st.snap.State = state
		if state == StateRunning {
			st.snap.LastError = ""
		}
	})
}

// RecordPoll records a successful poll.
func (s *Stats) RecordPoll(id string, took time.Duration, bytes int64, rotated bool) {
	s.update(id, func(st *sourceStats) {
		st.snap.Polls++
		st.snap.BytesRead += bytes
		if rotated {
			st.snap.Rotations++
		}
		st.snap.LastPoll = time.Now()
		st.latency.Add(float64(took))
	})
}

// RecordPollError records a failed poll.
func (s *Stats) RecordPollError(id string, err error) {
	s.update(id, func(st *sourceStats) {
		st.snap.PollErrors++
		st.snap.LastError = err.Error()
	})
}

// RecordParse records parsed and skipped line counts.
func (s *Stats) RecordParse(id string, lines, skipped int) {
	s.update(id, func(st *sourceStats) {
		st.snap.Lines += int64(lines)
		st.snap.Skipped += int64(skipped)
	})
}

// RecordAdmit records deduplication verdicts.
func (s *Stats) RecordAdmit(id string, novel, duplicates int) {
	s.update(id, func(st *sourceStats) {
		st.snap.Novel += int64(novel)
		st.snap.Duplicates += int64(duplicates)
	})
}

// RecordLate records an event older than the source's delivery watermark.
func (s *Stats) RecordLate(id string) {
	s.update(id, func(st *sourceStats) { st.snap.LateEvents++ })
}

// RecordRender records a renderer outcome.
func (s *Stats) RecordRender(id string, err error) {
	s.update(id, func(st *sourceStats) {
		if err != nil {
			st.snap.RenderFails++
			return
		}
		st.snap.Rendered++
	})
}

// Snapshot returns a copy of one source's counters.
func (s *Stats) Snapshot(id string) (SourceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sources[id]
	if !ok {
		return SourceSnapshot{}, false
	}
	return st.copy(), true
}

// All returns copies of every source's counters sorted by source id.
func (s *Stats) All() []SourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SourceSnapshot, 0, len(s.sources))
	for _, st := range s.sources {
		out = append(out, st.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (st *sourceStats) copy() SourceSnapshot {
	snap := st.snap
	snap.PollLatency = time.Duration(st.latency.Value())
	return snap
}
