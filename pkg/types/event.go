// Package types provides the core data types shared across the killfeed pipeline.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/spaolacci/murmur3"
)

// EventKind is the tagged variant a parsed log line resolves to.
type EventKind string

const (
	KindKill          EventKind = "kill"
	KindSuicide       EventKind = "suicide"
	KindFall          EventKind = "fall"
	KindEnvironmental EventKind = "environmental"
	KindConnect       EventKind = "connect"
	KindDisconnect    EventKind = "disconnect"
	// KindRotation is a synthetic marker emitted when a source log rotates.
	KindRotation EventKind = "rotation"
)

// IsDeath reports whether the kind counts as a death for the victim.
func (k EventKind) IsDeath() bool {
	switch k {
	case KindKill, KindSuicide, KindFall, KindEnvironmental:
		return true
	}
	return false
}

// DomainEvent is a structured record of a single in-game occurrence derived from one log line.
type DomainEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id"`

	// ActorID is the killer for kills, otherwise the player the line is about.
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`

	VictimID   string `json:"victim_id,omitempty"`
	VictimName string `json:"victim_name,omitempty"`

	Weapon   string  `json:"weapon,omitempty"`
	Faction  string  `json:"faction,omitempty"`
	Distance float64 `json:"distance,omitempty"`

	// Platform is rendering metadata only and never part of the fingerprint.
	Platform string `json:"platform,omitempty"`

	// Offset is the byte offset of the source line. It stands in for the
	// timestamp in the fingerprint when the line carried none.
	Offset int64 `json:"offset,omitempty"`
}

// Fingerprint is the deduplication key of a DomainEvent.
type Fingerprint [16]byte

// String returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint decodes a hex fingerprint produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, err
	}
	if len(b) != len(f) {
		return f, ErrInvalidFingerprint
	}
	copy(f[:], b)
	return f, nil
}

// MarshalText encodes the fingerprint as hex.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a hex fingerprint.
func (f *Fingerprint) UnmarshalText(b []byte) error {
	parsed, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// FingerprintOf derives the 128-bit murmur3 fingerprint over the identity fields
// of e: source, kind, timestamp (or offset when untimed), actor, victim, weapon
// and faction.
func FingerprintOf(e DomainEvent) Fingerprint {
	h := murmur3.New128()
	var ts [8]byte
	if e.Timestamp.IsZero() {
		binary.BigEndian.PutUint64(ts[:], uint64(e.Offset))
	} else {
		binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp.UnixNano()))
	}

	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(e.SourceID)
	write(string(e.Kind))
	h.Write(ts[:])
	write(e.ActorID)
	write(e.VictimID)
	write(e.Weapon)
	write(e.Faction)

	h1, h2 := h.Sum128()
	var f Fingerprint
	binary.BigEndian.PutUint64(f[:8], h1)
	binary.BigEndian.PutUint64(f[8:], h2)
	return f
}

// Fingerprint is shorthand for FingerprintOf(e).
func (e DomainEvent) Fingerprint() Fingerprint {
	return FingerprintOf(e)
}

// LogCursor is the persisted read position within a remote log source.
type LogCursor struct {
	SourceID string `json:"source_id"`
	// File is the concrete path the offset refers to. A source following a
	// glob moves to a new file when the server starts one.
	File         string    `json:"file,omitempty"`
	ByteOffset   int64     `json:"byte_offset"`
	LastPollTime time.Time `json:"last_poll_time"`
}
