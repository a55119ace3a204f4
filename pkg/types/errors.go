package types

import "errors"

var (
	// ErrInvalidFingerprint is returned when a hex fingerprint has the wrong length.
	ErrInvalidFingerprint = errors.New("invalid fingerprint length")
)
