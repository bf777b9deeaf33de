package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagingStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to StagingStatus
		want     bool
	}{
		{RowPending, RowMapped, true},
		{RowPending, RowValidated, true},
		{RowMapped, RowValidated, true},
		{RowValidated, RowCommitted, true},
		{RowPending, RowFailed, true},
		{RowValidated, RowFailed, true},
		{RowMapped, RowPending, false},
		{RowValidated, RowMapped, false},
		{RowMapped, RowMapped, false},
		{RowCommitted, RowFailed, false},
		{RowFailed, RowPending, false},
		{RowFailed, RowCommitted, false},
		{"unknown", RowMapped, false},
		{RowPending, "unknown", false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNewStagingRecord_CopiesFields(t *testing.T) {
	fields := map[string]string{"Name": "Acme"}
	rec := NewStagingRecord("job-1", RawRow{Kind: KindCustomer, RowNumber: 7, Fields: fields})
	fields["Name"] = "changed"

	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, KindCustomer, rec.Kind)
	assert.Equal(t, 7, rec.RowNumber)
	assert.Equal(t, RowPending, rec.Status)
	assert.Equal(t, "Acme", rec.RawData["Name"])
}

func TestStagingRecord_Transition(t *testing.T) {
	rec := &StagingRecord{RowNumber: 3, Status: RowPending}
	require.NoError(t, rec.Transition(RowMapped))

	err := rec.Transition(RowPending)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "row 3 mapped -> pending")
	assert.Equal(t, RowMapped, rec.Status)
}

func TestStagingRecord_FailAndCommit(t *testing.T) {
	t.Run("fail records code", func(t *testing.T) {
		rec := &StagingRecord{Status: RowMapped}
		rec.Fail(&MappingError{Field: "x", Err: ErrNoApplicableRule})
		assert.Equal(t, RowFailed, rec.Status)
		assert.Equal(t, "MAP001", rec.ErrorCode)
		assert.NotEmpty(t, rec.Error)
	})

	t.Run("fail without cause", func(t *testing.T) {
		rec := &StagingRecord{Status: RowPending}
		rec.Fail(nil)
		assert.Equal(t, RowFailed, rec.Status)
		assert.Empty(t, rec.ErrorCode)
	})

	t.Run("committed rows cannot fail", func(t *testing.T) {
		rec := &StagingRecord{Status: RowValidated, Error: "old", ErrorCode: "X"}
		ref := LiveRef{Kind: KindCustomer, ID: 42}
		require.NoError(t, rec.MarkCommitted(ref))
		assert.Equal(t, ref, rec.Live)
		assert.Empty(t, rec.Error)
		assert.Empty(t, rec.ErrorCode)

		rec.Fail(errors.New("late"))
		assert.Equal(t, RowCommitted, rec.Status)
		assert.Empty(t, rec.Error)
	})

	t.Run("failed rows cannot commit", func(t *testing.T) {
		rec := &StagingRecord{Status: RowFailed}
		assert.ErrorIs(t, rec.MarkCommitted(LiveRef{ID: 1}), ErrInvalidTransition)
		assert.True(t, rec.Live.IsZero())
	})
}

func TestStagingRecord_ResetForRetry(t *testing.T) {
	rec := &StagingRecord{
		Status:              RowFailed,
		RawData:             map[string]string{"name": "Acme"},
		Transformed:         map[string]string{"name": "Acme"},
		ValidationErrors:    map[string][]string{"email": {"required field is empty"}},
		MappingConfidence:   map[string]float64{"name": 1},
		TransformationLog:   []TransformationEntry{{Field: "name"}},
		IsDuplicate:         true,
		DuplicateMatchField: "email",
		ExistingID:          9,
		ReviewRequired:      true,
		Error:               "boom",
		ErrorCode:           "ERR000",
	}
	rec.ResetForRetry()

	assert.Equal(t, StagingRecord{Status: RowPending, RawData: map[string]string{"name": "Acme"}}, *rec)

	committed := &StagingRecord{Status: RowCommitted, Transformed: map[string]string{"a": "b"}}
	committed.ResetForRetry()
	assert.Equal(t, RowCommitted, committed.Status)
	assert.NotNil(t, committed.Transformed)
}

func TestStagingRecord_Confidence(t *testing.T) {
	rec := &StagingRecord{}
	assert.Zero(t, rec.Confidence())

	rec.SetMappingConfidence("a", 1.4)
	rec.SetMappingConfidence("b", -2)
	rec.SetMappingConfidence("c", math.NaN())
	rec.SetMappingConfidence("d", 0.5)

	assert.Equal(t, map[string]float64{"a": 1, "b": 0, "c": 0, "d": 0.5}, rec.MappingConfidence)
	assert.InDelta(t, 0.375, rec.Confidence(), 1e-9)
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(math.Inf(-1)))
	assert.Equal(t, 1.0, ClampConfidence(math.Inf(1)))
	assert.Equal(t, 0.25, ClampConfidence(0.25))
}

func TestStagingRecord_DuplicateFlags(t *testing.T) {
	rec := &StagingRecord{Status: RowValidated}
	assert.True(t, rec.ShouldCreateNew())
	assert.False(t, rec.ShouldUpdateExisting())

	rec.MarkDuplicate("email", 12)
	assert.False(t, rec.ShouldCreateNew())
	assert.True(t, rec.ShouldUpdateExisting())
	assert.Equal(t, int64(12), rec.ExistingID)

	rec.FlagForReview("name")
	assert.True(t, rec.ReviewRequired)
	assert.False(t, rec.IsDuplicate)
	assert.Zero(t, rec.ExistingID)
	assert.Equal(t, "name", rec.DuplicateMatchField)
	assert.False(t, rec.ShouldCreateNew())
	assert.False(t, rec.ShouldUpdateExisting())

	failed := &StagingRecord{Status: RowFailed}
	assert.False(t, failed.ShouldCreateNew())
}

func TestStagingRecord_ValidationSummary(t *testing.T) {
	rec := &StagingRecord{RowNumber: 4, Status: RowFailed}
	assert.False(t, rec.HasValidationErrors())

	rec.AddValidationError("total", "required field is empty")
	rec.AddValidationError("email", "invalid email address")
	rec.AddValidationError("email", "must be at most 5 characters")
	rec.ValidationErrors["notes"] = nil
	rec.SetMappingConfidence("total", 0.5)

	s := rec.ValidationSummary()
	assert.Equal(t, 4, s.RowNumber)
	assert.Equal(t, "failed", s.Status)
	assert.Equal(t, 3, s.ErrorCount)
	assert.Equal(t, []string{"email", "total"}, s.Fields)
	assert.Equal(t, 0.5, s.Confidence)
	assert.True(t, rec.HasValidationErrors())
}

func TestStagingRecord_LogTransformation(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	rec := &StagingRecord{}
	rec.LogTransformation("invoice_date", "15.01.2024", "2024-01-15", 3, at)

	require.Len(t, rec.TransformationLog, 1)
	assert.Equal(t, TransformationEntry{
		Field: "invoice_date", Original: "15.01.2024", Transformed: "2024-01-15", RuleID: 3, Timestamp: at,
	}, rec.TransformationLog[0])
	assert.Empty(t, rec.Value("invoice_date"))
}
