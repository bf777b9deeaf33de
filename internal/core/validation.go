package core

// validation.go provides record-level validation for staged, mapped rows.
//
// Validation happens at two levels:
//  1. Field specs: every declared target field is checked for presence (if
//     required), type and length.
//  2. Field rules: extra per-job rules (pattern, enum, length, required)
//     configured on the import job.
//  3. Business rules: per-kind checks declared on the entity definition.
//
// All violations are accumulated; nothing short-circuits. Errors on required
// fields and business rule violations block the commit. The validator writes the row's error map
// and status and never touches raw or transformed values.

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// FieldRule is an extra validation rule configured on a job.
type FieldRule struct {
	Field      string   `json:"field"`
	Required   bool     `json:"required,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	EnumValues []string `json:"enum,omitempty"`
	MinLength  int      `json:"minLength,omitempty"`
	MaxLength  int      `json:"maxLength,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// ValidationResult contains the result of validating a row.
type ValidationResult struct {
	Valid    bool              // True if no field has errors
	Blocking ValidationErrors  // Errors on required fields and business rules; the row cannot commit
	Errors   []ValidationError // Every violation found
}

// RecordValidator validates staged rows of one entity kind.
type RecordValidator struct {
	def      *EntityDefinition
	rules    []FieldRule
	patterns map[string]*regexp.Regexp
	required map[string]bool
	now      func() time.Time
}

// NewRecordValidator creates a validator for an entity kind with extra job rules.
// Rules with an invalid pattern are rejected.
func NewRecordValidator(def *EntityDefinition, rules []FieldRule) (*RecordValidator, error) {
	v := &RecordValidator{
		def:      def,
		rules:    rules,
		patterns: make(map[string]*regexp.Regexp),
		required: make(map[string]bool),
		now:      time.Now,
	}

	for _, spec := range def.FieldSpecs {
		if spec.Required {
			v.required[spec.Name] = true
		}
	}
	for _, ref := range def.References {
		if ref.Required {
			v.required[ref.Field] = true
		}
	}
	for _, r := range rules {
		if r.Required {
			v.required[canonicalField(def, r.Field)] = true
		}
		if r.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("validation rule for %s: invalid pattern: %w", r.Field, err)
		}
		v.patterns[r.Pattern] = re
	}
	return v, nil
}

// WithClock sets the clock business rules compare dates against.
func (v *RecordValidator) WithClock(now func() time.Time) *RecordValidator {
	if now != nil {
		v.now = now
	}
	return v
}

// canonicalField returns the declared spelling of a field name.
func canonicalField(def *EntityDefinition, name string) string {
	if spec, ok := def.Field(name); ok {
		return spec.Name
	}
	return name
}

// ValidateRecord checks a row and returns every violation.
func (v *RecordValidator) ValidateRecord(rec *StagingRecord) ValidationResult {
	var errs []ValidationError

	for _, spec := range v.def.FieldSpecs {
		raw := strings.TrimSpace(rec.Value(spec.Name))
		if raw == "" {
			if v.required[spec.Name] {
				errs = append(errs, ValidationError{Field: spec.Name, Message: "required field is empty"})
			}
			continue
		}
		if spec.Normalizer != nil {
			raw = spec.Normalizer(raw)
		}
		if err := ValidateCell(raw, spec); err != nil {
			errs = append(errs, ValidationError{Field: spec.Name, Value: raw, Message: err.Error()})
		}
	}

	for _, r := range v.rules {
		errs = append(errs, v.applyRule(rec, r)...)
	}

	var business []ValidationError
	if len(v.def.BusinessRules) > 0 {
		now := v.now()
		for _, rule := range v.def.BusinessRules {
			business = append(business, rule(rec, now)...)
		}
	}

	result := ValidationResult{Valid: len(errs)+len(business) == 0, Errors: append(errs, business...)}
	block := func(e ValidationError) {
		if result.Blocking == nil {
			result.Blocking = make(ValidationErrors)
		}
		result.Blocking[e.Field] = append(result.Blocking[e.Field], e.Message)
	}
	for _, e := range errs {
		if v.required[e.Field] {
			block(e)
		}
	}
	for _, e := range business {
		block(e)
	}
	return result
}

func (v *RecordValidator) applyRule(rec *StagingRecord, r FieldRule) []ValidationError {
	field := canonicalField(v.def, r.Field)
	value := strings.TrimSpace(rec.Value(field))
	fail := func(msg string) ValidationError {
		if r.Message != "" {
			msg = r.Message
		}
		return ValidationError{Field: field, Value: value, Message: msg}
	}

	if value == "" {
		// Missing required fields are reported once by the field spec loop.
		if r.Required {
			if _, declared := v.def.Field(field); !declared {
				return []ValidationError{fail("required field is empty")}
			}
		}
		return nil
	}

	var errs []ValidationError
	if re := v.patterns[r.Pattern]; re != nil && !re.MatchString(value) {
		errs = append(errs, fail("value does not match the expected format"))
	}
	if len(r.EnumValues) > 0 && !containsFold(r.EnumValues, value) {
		errs = append(errs, fail("value must be one of: "+strings.Join(r.EnumValues, ", ")))
	}
	n := utf8.RuneCountInString(value)
	if r.MinLength > 0 && n < r.MinLength {
		errs = append(errs, fail(fmt.Sprintf("must be at least %d characters", r.MinLength)))
	}
	if r.MaxLength > 0 && n > r.MaxLength {
		errs = append(errs, fail(fmt.Sprintf("must be at most %d characters", r.MaxLength)))
	}
	return errs
}

// Validate records the row's validation errors and moves it to validated, or
// fails it when a required field has errors. Returns the blocking errors.
func (v *RecordValidator) Validate(rec *StagingRecord) error {
	res := v.ValidateRecord(rec)

	rec.ValidationErrors = nil
	for _, e := range res.Errors {
		rec.AddValidationError(e.Field, e.Message)
	}

	if len(res.Blocking) > 0 {
		rec.Fail(res.Blocking)
		return res.Blocking
	}
	return rec.Transition(RowValidated)
}

// ValidateCell validates a single value against a field specification.
// Returns nil if valid, or an error describing the problem.
func ValidateCell(value string, spec FieldSpec) error {
	if value == "" {
		return nil // Empty values are allowed (will be NULL)
	}

	switch spec.Type {
	case FieldNumeric:
		if _, ok := ParseAmount(value); !ok {
			return fmt.Errorf("invalid number format")
		}
	case FieldInteger:
		if !ToPgInt8(value).Valid {
			return fmt.Errorf("invalid number format (whole number expected)")
		}
	case FieldDate:
		if !ToPgDate(value).Valid {
			return fmt.Errorf("invalid date format (use YYYY-MM-DD or DD.MM.YYYY)")
		}
	case FieldBool:
		if !ToPgBool(value).Valid {
			return fmt.Errorf("must be yes/no, true/false, or 1/0")
		}
	case FieldEmail:
		if !IsEmail(value) {
			return fmt.Errorf("invalid email address")
		}
	case FieldEnum:
		if len(spec.EnumValues) > 0 && !containsFold(spec.EnumValues, value) {
			return fmt.Errorf("value must be one of: %s", strings.Join(spec.EnumValues, ", "))
		}
	}

	if spec.MaxLength > 0 && utf8.RuneCountInString(value) > spec.MaxLength {
		return fmt.Errorf("must be at most %d characters", spec.MaxLength)
	}
	return nil
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

// fieldTypeName returns a human-readable name for a field type.
func fieldTypeName(ft FieldType) string {
	switch ft {
	case FieldText:
		return "text"
	case FieldEnum:
		return "enum"
	case FieldDate:
		return "date"
	case FieldNumeric:
		return "numeric"
	case FieldBool:
		return "bool"
	case FieldEmail:
		return "email"
	case FieldInteger:
		return "integer"
	default:
		return "value"
	}
}
