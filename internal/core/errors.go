package core

// errors.go defines the pipeline error taxonomy.
//
// Row-level errors (MappingError, ValidationErrors, DuplicateAmbiguityError,
// CommitError) are recovered where they occur: the row is marked failed and
// the phase continues. Phase-level errors (ParseError, SystemError outside row
// isolation) surface to the job and move it to FAILED.

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
)

var (
	ErrJobNotFound       = errors.New("import job not found")
	ErrRuleNotFound      = errors.New("mapping rule not found")
	ErrJobLeased         = errors.New("import job is leased by another worker")
	ErrNotRetryable      = errors.New("import job is not retryable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCancelled         = errors.New("import cancelled")
	ErrUniqueViolation   = errors.New("unique constraint violated")
	ErrNoRows            = errors.New("no rows")
	ErrUnknownKind       = errors.New("unknown entity kind")
	ErrInvalidJob        = errors.New("invalid import job")
)

// ParseError reports a malformed source file or row. It aborts the parsing phase.
type ParseError struct {
	File string
	Row  int
	Err  error
}

func (e *ParseError) Error() string {
	switch {
	case e.File != "" && e.Row > 0:
		return fmt.Sprintf("parse error in %s row %d: %v", e.File, e.Row, e.Err)
	case e.File != "":
		return fmt.Sprintf("parse error in %s: %v", e.File, e.Err)
	default:
		return fmt.Sprintf("parse error: %v", e.Err)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// MappingError reports a field that could not be mapped or transformed.
type MappingError struct {
	Field  string
	RuleID int64
	Err    error
}

func (e *MappingError) Error() string {
	if e.RuleID != 0 {
		return fmt.Sprintf("mapping error on %q (rule %d): %v", e.Field, e.RuleID, e.Err)
	}
	return fmt.Sprintf("mapping error on %q: %v", e.Field, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// ErrNoApplicableRule is wrapped by MappingError when no rule matches a field.
var ErrNoApplicableRule = errors.New("no applicable mapping rule")

// ValidationError represents a single validation error for a field.
type ValidationError struct {
	Field   string // Target field name
	Value   string // The invalid value
	Message string // Human-readable error message
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationErrors is the accumulated set of errors that blocks a row from commit.
type ValidationErrors map[string][]string

func (e ValidationErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(e[f], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// DuplicateAmbiguityError reports more than one live candidate for a match key.
type DuplicateAmbiguityError struct {
	Kind       EntityKind
	Key        string
	Candidates []int64
}

func (e *DuplicateAmbiguityError) Error() string {
	return fmt.Sprintf("ambiguous duplicate: %d existing %s records share %s", len(e.Candidates), e.Kind, e.Key)
}

// CommitError reports a row that could not be promoted into the live store.
// Unexpected marks failures that are not constraint or reference problems;
// they are also logged as system errors.
type CommitError struct {
	RowNumber  int
	Retryable  bool
	Unexpected bool
	Err        error
}

func (e *CommitError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("commit row %d (retryable): %v", e.RowNumber, e.Err)
	}
	return fmt.Sprintf("commit row %d: %v", e.RowNumber, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ReferenceError reports an unresolvable reference at commit.
type ReferenceError struct {
	Field string
	Value string
	What  string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("referenced %s not found for %s=%q", e.What, e.Field, e.Value)
}

// SystemError wraps an unexpected failure anywhere in the pipeline.
type SystemError struct {
	Stage string
	Err   error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error during %s: %v", e.Stage, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// PanicError is a panic recovered while processing one row.
type PanicError struct {
	RowNumber int
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("row %d: panic: %v", e.RowNumber, e.Value)
}

// recoverRow turns a panic in row work into a PanicError stored in *err.
// It must be deferred directly.
func recoverRow(rec *StagingRecord, err *error) {
	if p := recover(); p != nil {
		*err = &PanicError{RowNumber: rec.RowNumber, Value: p, Stack: string(debug.Stack())}
	}
}

// IsRowLevel reports whether err is recovered by failing a single row.
func IsRowLevel(err error) bool {
	var (
		me *MappingError
		ve ValidationErrors
		de *DuplicateAmbiguityError
		ce *CommitError
		pe *PanicError
	)
	return errors.As(err, &me) || errors.As(err, &ve) || errors.As(err, &de) ||
		errors.As(err, &ce) || errors.As(err, &pe)
}
