// Package verification provides the pluggable identity-verification layer:
// the provider capability contract, the backends that implement it, and the
// service that owns verification records and their status lifecycle.
package verification

import "errors"

// Status represents the state of a verification record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
)

// Terminal returns true once the record may no longer change status.
// Approved records remain readable as inputs to token issuance but are
// immutable like the failure states.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Outcome is what a provider backend returns from a verify call.
type Outcome struct {
	Status   Status
	Metadata map[string]any
}

var (
	// ErrVerificationInProgress is returned when a subject already has a
	// non-terminal verification record.
	ErrVerificationInProgress = errors.New("verification already in progress for subject")

	// ErrVerificationTimeout is returned when the provider did not answer
	// within the configured deadline. Distinct from a rejection: the
	// provider didn't say no, it didn't say anything.
	ErrVerificationTimeout = errors.New("verification provider timed out")

	// ErrUnknownProvider is returned for a provider name with no registered backend.
	ErrUnknownProvider = errors.New("unknown verification provider")

	// ErrRecordNotFound is returned when a verification record does not exist.
	ErrRecordNotFound = errors.New("verification record not found")

	// ErrRecordTerminal is returned on an attempt to mutate a record whose
	// status is already terminal.
	ErrRecordTerminal = errors.New("verification record is terminal")
)
