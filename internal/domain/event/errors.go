package event

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an event is not legal in the
	// aggregate's current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSequenceGap is returned when a stream skips a sequence number.
	ErrSequenceGap = errors.New("event sequence gap")
	// ErrDuplicateSequence is returned when a stream repeats a sequence number.
	ErrDuplicateSequence = errors.New("duplicate event sequence")
	// ErrConcurrencyConflict is returned when an append's expected sequence
	// no longer matches the stream head.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrUnknownType is returned for an event type outside the closed set.
	ErrUnknownType = errors.New("unknown event type")
	// ErrAggregateMismatch is returned when a stream belongs to a different
	// aggregate type than the one reading or writing it.
	ErrAggregateMismatch = errors.New("aggregate type mismatch")
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	Aggregate AggregateType
	From      string
	Event     Type
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: cannot apply %s in state %q", e.Aggregate, e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// SequenceError describes a non-contiguous stream.
type SequenceError struct {
	AggregateID string
	Expected    uint64
	Got         uint64
}

func (e *SequenceError) Error() string {
	if e.Got < e.Expected {
		return fmt.Sprintf("duplicate event sequence for %s: expected %d got %d", e.AggregateID, e.Expected, e.Got)
	}
	return fmt.Sprintf("event sequence gap for %s: expected %d got %d", e.AggregateID, e.Expected, e.Got)
}

// Is matches ErrSequenceGap or ErrDuplicateSequence depending on direction.
func (e *SequenceError) Is(target error) bool {
	if e.Got < e.Expected {
		return target == ErrDuplicateSequence
	}
	return target == ErrSequenceGap
}

// CheckSequence verifies that got directly follows prev.
func CheckSequence(aggregateID string, prev, got uint64) error {
	if got != prev+1 {
		return &SequenceError{AggregateID: aggregateID, Expected: prev + 1, Got: got}
	}
	return nil
}

// ConflictError describes an optimistic concurrency failure.
type ConflictError struct {
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected seq %d, stream at %d", e.AggregateID, e.Expected, e.Actual)
}

// Is matches ErrConcurrencyConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// OwnershipError describes an access to a stream owned by another aggregate
// type.
type OwnershipError struct {
	AggregateID string
	Want        AggregateType
	Got         AggregateType
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s is a %s, not a %s", e.AggregateID, e.Got, e.Want)
}

// Is matches ErrAggregateMismatch.
func (e *OwnershipError) Is(target error) bool {
	return target == ErrAggregateMismatch
}
