// Package command defines the command contract shared by aggregates and the
// validation applied before any command is decided.
package command

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Type identifies a command, e.g. "policy.approve".
type Type string

// Command is a request to change one aggregate.
type Command interface {
	// CommandType names the command.
	CommandType() Type
	// AggregateID is the aggregate the command targets.
	AggregateID() string
}

var (
	// ErrAggregateIDRequired indicates a command without a target.
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	// ErrUnsupported is returned by deciders for commands they do not own.
	ErrUnsupported = errors.New("unsupported command")
	// ErrAlreadyExists is returned when a create command targets an existing aggregate.
	ErrAlreadyExists = errors.New("aggregate already exists")
	// ErrNotFound is returned when a command targets an aggregate that does not exist.
	ErrNotFound = errors.New("aggregate not found")
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the command's target and struct tags.
func Validate(cmd Command) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	if strings.TrimSpace(cmd.AggregateID()) == "" {
		return fmt.Errorf("%s: %w", cmd.CommandType(), ErrAggregateIDRequired)
	}
	if err := instance().Struct(cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd.CommandType(), formatValidationErrors(err))
	}
	return nil
}

// ValidateStruct checks the struct tags of a value that is not a command,
// such as a template.
func ValidateStruct(v any) error {
	if err := instance().Struct(v); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

// formatValidationErrors converts validator errors into one readable message.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", e.Namespace()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", e.Namespace(), e.Param()))
		case "gtfield":
			messages = append(messages, fmt.Sprintf("%s must be after %s", e.Namespace(), e.Param()))
		case "gtefield":
			messages = append(messages, fmt.Sprintf("%s must not be before %s", e.Namespace(), e.Param()))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must have at least %s items", e.Namespace(), e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
		}
	}
	return &ValidationError{Messages: messages}
}

// ValidationError lists every failed constraint of a command.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}
