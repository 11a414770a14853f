// Package model defines the records the buffer keeps about stored objects:
// patients, their studies and the instances that belong to them, together
// with the export status of each patient.
package model

import (
	"fmt"
	"strings"
)

// Status is the export state of a patient.
type Status uint8

const (
	// StatusNone means the patient is idle in the buffer.
	StatusNone Status = iota
	// StatusPending means export was requested and the worker will pick the
	// patient up on its next cycle.
	StatusPending
	// StatusOK is the result of a successful transfer. Patients never rest in
	// this state because a fully exported patient is deleted.
	StatusOK
	// StatusRetry is a failure the remote side may accept on a later attempt.
	StatusRetry
	// StatusFail is a failure the remote side rejected as unprocessable.
	StatusFail
)

// String returns the upper-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusPending:
		return "PENDING"
	case StatusOK:
		return "OK"
	case StatusRetry:
		return "RETRY"
	case StatusFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusOK, StatusRetry, StatusFail:
		return true
	default:
		return false
	}
}

// Resettable reports whether a reset moves a patient in this state back to
// StatusNone. Only idle and pending patients are left alone.
func (s Status) Resettable() bool {
	switch s {
	case StatusNone, StatusPending:
		return false
	case StatusOK, StatusRetry, StatusFail:
		return true
	default:
		return true
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus converts a status name (case-insensitive) back into a Status.
func ParseStatus(name string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NONE", "":
		return StatusNone, nil
	case "PENDING":
		return StatusPending, nil
	case "OK":
		return StatusOK, nil
	case "RETRY":
		return StatusRetry, nil
	case "FAIL":
		return StatusFail, nil
	default:
		return StatusNone, fmt.Errorf("unknown status %q", name)
	}
}
