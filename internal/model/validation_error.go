package model

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects field-level problems found at the batch boundary
// (commands, parameters, execution config) before any scheduling happens.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return ve != nil && len(ve.Errors) > 0
}

// Merge appends other's errors; nil is ignored.
func (ve *ValidationErrors) Merge(other *ValidationErrors) {
	if other == nil {
		return
	}
	ve.Errors = append(ve.Errors, other.Errors...)
}

// OrNil returns nil when no errors were collected so callers can return it
// directly as an error.
func (ve *ValidationErrors) OrNil() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}
