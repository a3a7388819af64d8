package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for missing rows and for rows the caller is
	// not allowed to see; existence is never confirmed to outsiders.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is the Datastore contract for a unique-constraint
	// violation on the idempotency table.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrIdempotencyConflict means the idempotency key was reused with a
	// different payload.
	ErrIdempotencyConflict = errors.New("idempotency key already used with different payload")

	// ErrAlreadyFinalized means the pending record was finalized by an
	// earlier call.
	ErrAlreadyFinalized = errors.New("record already finalized")
)

// ValidationError is caller-fixable and guaranteed to have zero side effects:
// it is raised before the idempotency reservation and before any write.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PartialFanoutError reports that some participant writes failed. The payer
// row and the coordination row are durable; the failed participants can be
// repaired through the retry endpoint using the embedded split id.
type PartialFanoutError struct {
	SplitID              string
	FailedParticipantIDs []string
}

func (e *PartialFanoutError) Error() string {
	return fmt.Sprintf("failed to create participant pending records: %s", e.SplitID)
}
