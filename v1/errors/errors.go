package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotFound is returned by management operations addressing a record
	// that does not exist. Store lookups report absence with a boolean instead.
	ErrNotFound = errors.New("spawn: not found")
	// ErrAlreadyExists is returned when a record would violate a uniqueness rule.
	ErrAlreadyExists = errors.New("spawn: already exists")
	// ErrCapacityExceeded signals that a pair could not be created because the
	// platform's channel limits are reached. The member should be relocated.
	ErrCapacityExceeded = errors.New("spawn: capacity exceeded")
	// ErrInvariant marks a logic defect. It is only ever raised through Invariant.
	ErrInvariant = errors.New("spawn: invariant violation")
)

// Invariant panics with an error wrapping ErrInvariant.
func Invariant(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...)))
}
