package rule

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is returned when an expression references a field the
	// context does not carry.
	ErrMissingField = errors.New("missing field")
	// ErrUnknownPredicate is returned for an unregistered predicate or matcher.
	ErrUnknownPredicate = errors.New("unknown predicate")
	// ErrTypeMismatch is returned when operands cannot be compared.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrInvalidExpression is returned for malformed expression nodes.
	ErrInvalidExpression = errors.New("invalid expression")
)

// FieldError carries the field involved in an evaluation failure.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// PredicateError carries the name of a failing or unknown predicate.
type PredicateError struct {
	Name string
	Err  error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate %q: %v", e.Name, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }
