package core

// staging.go holds the per-row lifecycle of staged records.
//
// A staged row moves forward only: pending -> mapped -> validated -> committed,
// with failed reachable from any non-committed state. The single way back is
// ResetForRetry, used when a failed job is retried.

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// StagingStatus is the lifecycle status of one staged row.
type StagingStatus string

const (
	RowPending   StagingStatus = "pending"
	RowMapped    StagingStatus = "mapped"
	RowValidated StagingStatus = "validated"
	RowCommitted StagingStatus = "committed"
	RowFailed    StagingStatus = "failed"
)

func (s StagingStatus) rank() int {
	switch s {
	case RowPending:
		return 0
	case RowMapped:
		return 1
	case RowValidated:
		return 2
	case RowCommitted:
		return 3
	case RowFailed:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether a row may move from s to next.
func (s StagingStatus) CanTransition(next StagingStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	switch s {
	case RowCommitted, RowFailed:
		return false
	}
	if next == RowFailed {
		return true
	}
	return next.rank() > s.rank()
}

// TransformationEntry records one rule application on one field.
type TransformationEntry struct {
	Field       string    `json:"field"`
	Original    string    `json:"original_value"`
	Transformed string    `json:"transformed_value"`
	RuleID      int64     `json:"rule_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// StagingRecord is one imported row held between parsing and commit.
type StagingRecord struct {
	ID        int64      `json:"id"`
	JobID     string     `json:"jobId"`
	Kind      EntityKind `json:"kind"`
	RowNumber int        `json:"rowNumber"`

	RawData           map[string]string     `json:"rawData"`
	Transformed       map[string]string     `json:"transformed"`
	ValidationErrors  map[string][]string   `json:"validationErrors,omitempty"`
	MappingConfidence map[string]float64    `json:"mappingConfidence,omitempty"`
	TransformationLog []TransformationEntry `json:"transformationLog,omitempty"`

	IsDuplicate         bool   `json:"isDuplicate"`
	DuplicateMatchField string `json:"duplicateMatchField,omitempty"`
	ExistingID          int64  `json:"existingId,omitempty"`
	ReviewRequired      bool   `json:"reviewRequired,omitempty"`

	Status    StagingStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Live      LiveRef       `json:"live,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewStagingRecord creates a pending staged row from a raw source row.
func NewStagingRecord(jobID string, row RawRow) StagingRecord {
	raw := make(map[string]string, len(row.Fields))
	for k, v := range row.Fields {
		raw[k] = v
	}
	return StagingRecord{
		JobID:     jobID,
		Kind:      row.Kind,
		RowNumber: row.RowNumber,
		RawData:   raw,
		Status:    RowPending,
	}
}

// Transition moves the row to next, enforcing monotonic status order.
func (r *StagingRecord) Transition(next StagingStatus) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: row %d %s -> %s", ErrInvalidTransition, r.RowNumber, r.Status, next)
	}
	r.Status = next
	return nil
}

// Fail marks the row failed with a reason and user-facing code.
// Committed rows are left untouched.
func (r *StagingRecord) Fail(err error) {
	if r.Status == RowCommitted {
		return
	}
	r.Status = RowFailed
	if err != nil {
		r.Error = err.Error()
		r.ErrorCode = MapError(err).Code
	}
}

// MarkCommitted records the live entity the row was promoted into.
func (r *StagingRecord) MarkCommitted(ref LiveRef) error {
	if err := r.Transition(RowCommitted); err != nil {
		return err
	}
	r.Live = ref
	r.Error = ""
	r.ErrorCode = ""
	return nil
}

// ResetForRetry returns a non-committed row to pending and clears all derived state.
func (r *StagingRecord) ResetForRetry() {
	if r.Status == RowCommitted {
		return
	}
	r.Status = RowPending
	r.Transformed = nil
	r.ValidationErrors = nil
	r.MappingConfidence = nil
	r.TransformationLog = nil
	r.IsDuplicate = false
	r.DuplicateMatchField = ""
	r.ExistingID = 0
	r.ReviewRequired = false
	r.Error = ""
	r.ErrorCode = ""
}

// AddValidationError appends a message to the field's error list.
func (r *StagingRecord) AddValidationError(field, message string) {
	if r.ValidationErrors == nil {
		r.ValidationErrors = make(map[string][]string)
	}
	r.ValidationErrors[field] = append(r.ValidationErrors[field], message)
}

// HasValidationErrors reports whether any field carries errors.
func (r *StagingRecord) HasValidationErrors() bool {
	for _, msgs := range r.ValidationErrors {
		if len(msgs) > 0 {
			return true
		}
	}
	return false
}

// SetMappingConfidence stores the confidence for field, clamped to [0,1].
func (r *StagingRecord) SetMappingConfidence(field string, score float64) {
	if r.MappingConfidence == nil {
		r.MappingConfidence = make(map[string]float64)
	}
	r.MappingConfidence[field] = ClampConfidence(score)
}

// LogTransformation appends one entry to the row's transformation log.
func (r *StagingRecord) LogTransformation(field, original, transformed string, ruleID int64, at time.Time) {
	r.TransformationLog = append(r.TransformationLog, TransformationEntry{
		Field:       field,
		Original:    original,
		Transformed: transformed,
		RuleID:      ruleID,
		Timestamp:   at,
	})
}

// MarkDuplicate flags the row as matching an existing live entity.
func (r *StagingRecord) MarkDuplicate(matchField string, existingID int64) {
	r.IsDuplicate = true
	r.DuplicateMatchField = matchField
	r.ExistingID = existingID
	r.ReviewRequired = false
}

// FlagForReview marks a row whose duplicate check was ambiguous.
func (r *StagingRecord) FlagForReview(matchField string) {
	r.IsDuplicate = false
	r.ExistingID = 0
	r.DuplicateMatchField = matchField
	r.ReviewRequired = true
}

// Confidence returns the mean mapping confidence across mapped fields.
func (r *StagingRecord) Confidence() float64 {
	if len(r.MappingConfidence) == 0 {
		return 0
	}
	var sum float64
	for _, c := range r.MappingConfidence {
		sum += c
	}
	return sum / float64(len(r.MappingConfidence))
}

// ShouldCreateNew reports whether commit should create a new live entity.
func (r *StagingRecord) ShouldCreateNew() bool {
	return !r.IsDuplicate && !r.ReviewRequired && r.Status != RowFailed
}

// ShouldUpdateExisting reports whether commit should update a matched entity.
func (r *StagingRecord) ShouldUpdateExisting() bool {
	return r.IsDuplicate && r.ExistingID != 0 && r.Status != RowFailed
}

// Value returns the transformed value of a target field.
func (r *StagingRecord) Value(field string) string {
	if r.Transformed == nil {
		return ""
	}
	return r.Transformed[field]
}

// ValidationSummary describes a row's validation state for display.
type ValidationSummary struct {
	RowNumber   int      `json:"rowNumber"`
	Status      string   `json:"status"`
	ErrorCount  int      `json:"errorCount"`
	Fields      []string `json:"fields,omitempty"`
	Confidence  float64  `json:"confidence"`
	IsDuplicate bool     `json:"isDuplicate"`
}

// ValidationSummary summarizes the row's validation errors.
func (r *StagingRecord) ValidationSummary() ValidationSummary {
	s := ValidationSummary{
		RowNumber:   r.RowNumber,
		Status:      string(r.Status),
		Confidence:  r.Confidence(),
		IsDuplicate: r.IsDuplicate,
	}
	for field, msgs := range r.ValidationErrors {
		if len(msgs) == 0 {
			continue
		}
		s.ErrorCount += len(msgs)
		s.Fields = append(s.Fields, field)
	}
	sort.Strings(s.Fields)
	return s
}

// ClampConfidence restricts a score to [0,1].
func ClampConfidence(score float64) float64 {
	switch {
	case score < 0 || math.IsNaN(score):
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
