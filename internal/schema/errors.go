package schema

import (
	"errors"
	"fmt"
	"strings"
)

// UnsupportedTypeError is returned when a schema declares a type outside the
// supported set.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Type == "" {
		return "schema: missing type"
	}
	return fmt.Sprintf("schema: unsupported type %q", e.Type)
}

// ValidationError reports a value rejected by a Type. Path is the chain of
// object keys and array indexes leading to the offending value.
type ValidationError struct {
	Path    []string
	Message string
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	return strings.Join(e.Path, ".") + ": " + e.Message
}

func (e *ValidationError) at(segment string) *ValidationError {
	e.Path = append([]string{segment}, e.Path...)
	return e
}

func wrapAt(err error, segment string) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.at(segment)
	}
	return fmt.Errorf("%s: %w", segment, err)
}
