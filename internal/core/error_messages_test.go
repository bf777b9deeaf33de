package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "duplicate key maps correctly",
			err:         errors.New("ERROR: duplicate key value violates unique constraint"),
			wantCode:    "DB001",
			wantMessage: "A record with this key already exists",
		},
		{
			name:        "unique constraint maps correctly",
			err:         errors.New("ERROR: unique constraint violated"),
			wantCode:    "DB002",
			wantMessage: "This value must be unique but already exists",
		},
		{
			name:        "foreign key maps correctly",
			err:         errors.New("violates foreign key constraint"),
			wantCode:    "DB003",
			wantMessage: "Referenced record does not exist",
		},
		{
			name:        "connection refused maps correctly",
			err:         errors.New("dial tcp: connection refused"),
			wantCode:    "DB004",
			wantMessage: "Unable to connect to database",
		},
		{
			name:        "timeout maps correctly",
			err:         errors.New("context deadline exceeded (timeout)"),
			wantCode:    "DB006",
			wantMessage: "Operation timed out",
		},
		{
			name:        "file too large maps correctly",
			err:         errors.New("file too large: 200MB exceeds limit"),
			wantCode:    "FILE001",
			wantMessage: "File exceeds maximum size limit",
		},
		{
			name:        "cancelled job maps correctly",
			err:         ErrCancelled,
			wantCode:    "JOB001",
			wantMessage: "The import was cancelled",
		},
		{
			name:        "leased job maps correctly",
			err:         fmt.Errorf("run job: %w", ErrJobLeased),
			wantCode:    "JOB002",
			wantMessage: "The import is already being processed",
		},
		{
			name:        "invalid job request maps correctly",
			err:         fmt.Errorf("%w: at least one file is required", ErrInvalidJob),
			wantCode:    "JOB006",
			wantMessage: "The import request is incomplete",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
		{
			name:        "case insensitive matching",
			err:         errors.New("DUPLICATE KEY value violates"),
			wantCode:    "DB001",
			wantMessage: "A record with this key already exists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

// =============================================================================
// Typed pipeline errors
// =============================================================================

func TestMapError_TypedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"parse error", &ParseError{File: "customers.csv", Err: errors.New("bare quote")}, "PARSE001"},
		{"parse error wins over pattern", &ParseError{Err: errors.New("no header row")}, "PARSE001"},
		{"no applicable rule", &MappingError{Field: "Foo", Err: ErrNoApplicableRule}, "MAP001"},
		{"transform failure", &MappingError{Field: "amount", RuleID: 7, Err: errors.New("bad pattern")}, "MAP002"},
		{"validation errors", ValidationErrors{"email": {"required field is empty"}}, "VAL001"},
		{"ambiguous duplicate", &DuplicateAmbiguityError{Kind: KindCustomer, Key: "email", Candidates: []int64{1, 2}}, "DUP001"},
		{"missing reference", &ReferenceError{Field: "currency", Value: "XXX", What: "currency"}, "CMT001"},
		{"retryable commit", &CommitError{RowNumber: 3, Retryable: true, Err: ErrUniqueViolation}, "CMT002"},
		{"non-retryable commit falls through to cause", &CommitError{RowNumber: 3, Err: &ReferenceError{Field: "customer", What: "customer"}}, "CMT001"},
		{"system error", &SystemError{Stage: "commit", Err: errors.New("panic")}, "SYS001"},
		{"wrapped mapping error", fmt.Errorf("row 4: %w", &MappingError{Field: "x", Err: ErrNoApplicableRule}), "MAP001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapError(tt.err).Code; got != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	err := errors.New("connection refused")
	got := FormatUserError(err)
	want := "Unable to connect to database (Code: DB004). Please try again in a few moments"

	if got != want {
		t.Errorf("FormatUserError() = %q, want %q", got, want)
	}

	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error is not user facing",
			err:  nil,
			want: false,
		},
		{
			name: "known error is user facing",
			err:  errors.New("duplicate key"),
			want: true,
		},
		{
			name: "typed error is user facing",
			err:  &DuplicateAmbiguityError{Kind: KindItem, Key: "sku"},
			want: true,
		},
		{
			name: "unknown error is not user facing",
			err:  errors.New("random error xyz"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error", func(t *testing.T) {
		techErr := errors.New("duplicate key value")
		userErr := NewUserError(techErr)

		if userErr == nil {
			t.Fatal("NewUserError returned nil")
		}
		if userErr.Technical != techErr {
			t.Error("Technical error not preserved")
		}
		if userErr.User.Code != "DB001" {
			t.Errorf("User.Code = %q, want DB001", userErr.User.Code)
		}
		if userErr.Error() != "A record with this key already exists" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, techErr) {
			t.Error("errors.Is should find the technical error")
		}
	})
}

func TestIsRowLevel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"mapping", &MappingError{Err: ErrNoApplicableRule}, true},
		{"validation", ValidationErrors{"name": {"required"}}, true},
		{"ambiguity", &DuplicateAmbiguityError{}, true},
		{"commit", &CommitError{Err: ErrUniqueViolation}, true},
		{"parse", &ParseError{Err: errors.New("x")}, false},
		{"system", &SystemError{Stage: "mapping", Err: errors.New("x")}, false},
		{"plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRowLevel(tt.err); got != tt.want {
				t.Errorf("IsRowLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
