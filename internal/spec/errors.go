package spec

import (
	"errors"
	"fmt"
)

type Severity string

const (
	SeverityError   Severity = "Error"
	SeverityWarning Severity = "Warning"
)

// ConfigError is one finding about a procedure document. Line and Column are
// 1-based and zero when no location could be derived.
type ConfigError struct {
	Line     int
	Column   int
	Field    string
	Message  string
	Severity Severity
}

func (e *ConfigError) Error() string {
	loc := ""
	if e.Line > 0 {
		loc = fmt.Sprintf("line %d, column %d: ", e.Line, e.Column)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s%s: %s", loc, e.Field, e.Message)
	}
	return loc + e.Message
}

type ValidationResult struct {
	Errors   []*ConfigError
	Warnings []*ConfigError
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Err folds all errors into one, or returns nil when the document is valid.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) add(sev Severity, loc position, field, format string, args ...any) {
	e := &ConfigError{
		Line:     loc.line,
		Column:   loc.column,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
		Severity: sev,
	}
	if sev == SeverityWarning {
		r.Warnings = append(r.Warnings, e)
		return
	}
	r.Errors = append(r.Errors, e)
}
