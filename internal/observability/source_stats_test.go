package observability

import (
	"errors"
	"testing"
	"time"
)

func TestStats_RecordAndSnapshot(t *testing.T) {
	s := NewStats()
	s.SetState("b", StateRunning)
	s.RecordPoll("b", 20*time.Millisecond, 120, false)
	s.RecordPoll("b", 20*time.Millisecond, 30, true)
	s.RecordParse("b", 5, 2)
	s.RecordAdmit("b", 2, 1)
	s.RecordRender("b", nil)
	s.RecordRender("b", errors.New("webhook down"))
	s.RecordLate("b")

	snap, ok := s.Snapshot("b")
	if !ok {
		t.Fatal("expected snapshot for source b")
	}
	if snap.Polls != 2 || snap.BytesRead != 150 || snap.Rotations != 1 {
		t.Errorf("poll counters = %+v", snap)
	}
	if snap.Lines != 5 || snap.Skipped != 2 || snap.Novel != 2 || snap.Duplicates != 1 {
		t.Errorf("parse counters = %+v", snap)
	}
	if snap.Rendered != 1 || snap.RenderFails != 1 || snap.LateEvents != 1 {
		t.Errorf("render counters = %+v", snap)
	}
	if d := snap.PollLatency - 20*time.Millisecond; d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("PollLatency = %v, want ~20ms", snap.PollLatency)
	}
	if snap.State != StateRunning {
		t.Errorf("State = %s", snap.State)
	}
}

func TestStats_ErrorClearedOnRunning(t *testing.T) {
	s := NewStats()
	s.RecordPollError("a", errors.New("connection refused"))
	s.SetState("a", StateBackoff)

	snap, _ := s.Snapshot("a")
	if snap.LastError == "" || snap.PollErrors != 1 {
		t.Errorf("expected recorded error, got %+v", snap)
	}

	s.SetState("a", StateRunning)
	snap, _ = s.Snapshot("a")
	if snap.LastError != "" {
		t.Errorf("LastError should clear, got %q", snap.LastError)
	}
}

func TestStats_AllSorted(t *testing.T) {
	s := NewStats()
	for _, id := range []string{"c", "a", "b"} {
		s.SetState(id, StateRunning)
	}
	all := s.All()
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].SourceID != want {
			t.Errorf("all[%d] = %s, want %s", i, all[i].SourceID, want)
		}
	}
	if _, ok := s.Snapshot("missing"); ok {
		t.Error("unexpected snapshot for unknown source")
	}
}
