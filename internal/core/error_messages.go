// Package core provides the staged import pipeline.
//
// # Error Codes Reference
//
// This file maps technical errors to user-friendly messages with codes for
// support reference. The code of a failed row is stored with the row and in
// the import log entry describing the failure.
//
// Typed pipeline errors are classified first:
//
//	PARSE001 - Source file could not be parsed         (ParseError)
//	MAP001   - No mapping rule matched a source field  (MappingError wrapping ErrNoApplicableRule)
//	MAP002   - A transformation failed                 (MappingError)
//	VAL001   - Row failed validation                   (ValidationErrors)
//	DUP001   - Several existing records match the row  (DuplicateAmbiguityError)
//	CMT001   - Referenced record not found             (ReferenceError)
//	CMT002   - Row conflicts with a record created concurrently (CommitError, retryable)
//	SYS001   - Unexpected internal failure             (SystemError, PanicError)
//
// Remaining errors are matched by pattern, case-insensitively, first match wins:
//
//	DB001 duplicate key, DB002 unique constraint, DB003 foreign key,
//	DB004 connection refused, DB005 connection reset, DB006 timeout, DB007 deadlock,
//	VAL002 invalid date, VAL003 invalid number, VAL004 required field,
//	JOB001 cancelled, JOB002 leased, JOB003 not retryable, JOB004 not found,
//	JOB005 too many jobs, JOB006 invalid job,
//	FILE001 file too large, FILE002 no header row.
//
// ERR000 is the fallback when nothing matches; check the operator log for
// the original technical error.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgParse = UserMessage{
		Message: "The source file could not be read",
		Action:  "Check that the file is a valid CSV with a header row",
		Code:    "PARSE001",
	}
	msgNoRule = UserMessage{
		Message: "A column could not be matched to a known field",
		Action:  "Rename the column or add a mapping rule for it",
		Code:    "MAP001",
	}
	msgTransform = UserMessage{
		Message: "A value could not be transformed",
		Action:  "Check the value format or the mapping rule configuration",
		Code:    "MAP002",
	}
	msgValidation = UserMessage{
		Message: "The row failed validation",
		Action:  "Review the field errors listed for this row",
		Code:    "VAL001",
	}
	msgAmbiguous = UserMessage{
		Message: "Several existing records match this row",
		Action:  "Review the matching records and resolve the duplicates manually",
		Code:    "DUP001",
	}
	msgReference = UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Import the referenced records first or correct the reference",
		Code:    "CMT001",
	}
	msgLateDuplicate = UserMessage{
		Message: "The record was created by another process during the import",
		Action:  "Retry the import to update the existing record",
		Code:    "CMT002",
	}
	msgSystem = UserMessage{
		Message: "An internal error interrupted the import",
		Action:  "Retry the import or contact support",
		Code:    "SYS001",
	}
)

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// Patterns are matched using strings.Contains; the first matching pattern wins,
// so more specific patterns come before general ones.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Database Constraint Errors (DB001-DB003)
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Review the duplicate and retry with the update strategy",
			Code:    "DB001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "This value must be unique but already exists",
			Action:  "Check for duplicate entries in your file",
			Code:    "DB002",
		},
	},
	{
		pattern: "violates unique",
		msg: UserMessage{
			Message: "This value must be unique but already exists",
			Action:  "Check for duplicate entries in your file",
			Code:    "DB002",
		},
	},
	{
		pattern: "foreign key",
		msg: UserMessage{
			Message: "Referenced record does not exist",
			Action:  "Ensure parent records are imported first",
			Code:    "DB003",
		},
	},

	// =========================================================================
	// Database Connection Errors (DB004-DB007)
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please retry the import",
			Code:    "DB005",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please retry the import",
			Code:    "DB007",
		},
	},

	// =========================================================================
	// Job Errors (JOB001-JOB006)
	// =========================================================================
	{
		pattern: "import cancelled",
		msg: UserMessage{
			Message: "The import was cancelled",
			Action:  "Retry the import when ready",
			Code:    "JOB001",
		},
	},
	{
		pattern: "leased by another worker",
		msg: UserMessage{
			Message: "The import is already being processed",
			Action:  "Wait for the current run to finish",
			Code:    "JOB002",
		},
	},
	{
		pattern: "not retryable",
		msg: UserMessage{
			Message: "Only failed imports can be retried",
			Action:  "Check the import status before retrying",
			Code:    "JOB003",
		},
	},
	{
		pattern: "import job not found",
		msg: UserMessage{
			Message: "Import not found",
			Action:  "Verify the import id",
			Code:    "JOB004",
		},
	},
	{
		pattern: "too many concurrent jobs",
		msg: UserMessage{
			Message: "Too many imports are running",
			Action:  "The import will start when a slot frees up",
			Code:    "JOB005",
		},
	},
	{
		pattern: "invalid import job",
		msg: UserMessage{
			Message: "The import request is incomplete",
			Action:  "Choose an import type and attach a file for each record kind",
			Code:    "JOB006",
		},
	},

	// =========================================================================
	// File Errors (FILE001-FILE002)
	// =========================================================================
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Split the file into smaller parts",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no header row",
		msg: UserMessage{
			Message: "The file has no header row",
			Action:  "Add a header row naming each column",
			Code:    "FILE002",
		},
	},

	// =========================================================================
	// Value Errors (VAL002-VAL004)
	// =========================================================================
	{
		pattern: "invalid date",
		msg: UserMessage{
			Message: "Invalid date format detected",
			Action:  "Use YYYY-MM-DD or DD.MM.YYYY",
			Code:    "VAL002",
		},
	},
	{
		pattern: "invalid number",
		msg: UserMessage{
			Message: "Invalid number format detected",
			Action:  "Remove currency symbols and use a standard decimal format",
			Code:    "VAL003",
		},
	},
	{
		pattern: "required field",
		msg: UserMessage{
			Message: "Required field is empty",
			Action:  "Ensure all required columns have values",
			Code:    "VAL004",
		},
	},

	// Timeout is general and matched last.
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Retry the import or split the file",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadline exceeded",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Retry the import or split the file",
			Code:    "DB006",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Typed pipeline errors are classified first, then known patterns are
// searched case-insensitively. Falls back to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if msg, ok := classify(err); ok {
		return msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// classify maps typed pipeline errors to their codes.
func classify(err error) (UserMessage, bool) {
	var (
		pe  *ParseError
		me  *MappingError
		ve  ValidationErrors
		de  *DuplicateAmbiguityError
		re  *ReferenceError
		ce  *CommitError
		se  *SystemError
		pan *PanicError
	)

	switch {
	case errors.As(err, &pe):
		return msgParse, true
	case errors.As(err, &me):
		if errors.Is(me, ErrNoApplicableRule) {
			return msgNoRule, true
		}
		return msgTransform, true
	case errors.As(err, &ve):
		return msgValidation, true
	case errors.As(err, &de):
		return msgAmbiguous, true
	case errors.As(err, &re):
		return msgReference, true
	case errors.As(err, &ce) && ce.Retryable:
		return msgLateDuplicate, true
	case errors.As(err, &pan), errors.As(err, &se):
		return msgSystem, true
	}
	return UserMessage{}, false
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing checks if an error matches a known pattern and should be shown to users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError wraps a technical error with a user-friendly message.
// The original error is preserved for logging.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError creates a UserError by mapping a technical error to a user-friendly message.
// Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
