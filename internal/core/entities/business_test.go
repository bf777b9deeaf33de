package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

var today = time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)

func record(kind core.EntityKind, fields map[string]string) *core.StagingRecord {
	return &core.StagingRecord{JobID: "job", Kind: kind, RowNumber: 1, Status: core.RowMapped, Transformed: fields}
}

// businessErrors runs the registered business rules of kind.
func businessErrors(t *testing.T, kind core.EntityKind, fields map[string]string) map[string]string {
	t.Helper()
	def, ok := core.Get(kind)
	require.True(t, ok)
	out := map[string]string{}
	for _, rule := range def.BusinessRules {
		for _, e := range rule(record(kind, fields), today) {
			out[e.Field] = e.Message
		}
	}
	return out
}

func TestInvoiceBusinessRules(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   []string
	}{
		{"valid", map[string]string{"invoice_date": "2024-06-10", "due_date": "2024-07-10", "sub_total": "1000", "tax": "180", "total": "1180.00"}, nil},
		{"future date", map[string]string{"invoice_date": "11.06.2024"}, []string{"invoice_date"}},
		{"due before issue", map[string]string{"invoice_date": "2024-06-01", "due_date": "2024-05-31"}, []string{"due_date"}},
		{"due same day", map[string]string{"invoice_date": "2024-06-01", "due_date": "2024-06-01"}, nil},
		{"total off", map[string]string{"sub_total": "1000", "tax": "180", "total": "1180.02"}, []string{"total"}},
		{"total within a cent", map[string]string{"sub_total": "1.000,00", "tax": "180", "total": "1180.01"}, nil},
		{"discount", map[string]string{"sub_total": "1000", "tax": "180", "discount": "100", "total": "1080"}, nil},
		{"total without parts", map[string]string{"total": "99"}, nil},
		{"unparseable date", map[string]string{"invoice_date": "someday"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := businessErrors(t, core.KindInvoice, tt.fields)
			fields := make([]string, 0, len(got))
			for f := range got {
				fields = append(fields, f)
			}
			assert.ElementsMatch(t, tt.want, fields, "%v", got)
		})
	}

	got := businessErrors(t, core.KindInvoice, map[string]string{"sub_total": "1000", "tax": "180", "total": "1200"})
	assert.Contains(t, got["total"], "1180.00")
}

func TestDatedKindsRejectFutureDates(t *testing.T) {
	for kind, field := range map[core.EntityKind]string{
		core.KindPayment: "payment_date",
		core.KindExpense: "expense_date",
	} {
		assert.Empty(t, businessErrors(t, kind, map[string]string{field: "2024-06-10"}), kind)
		got := businessErrors(t, kind, map[string]string{field: "2025-01-01"})
		assert.Contains(t, got[field], "cannot be in the future", kind)
	}
}

func TestCustomerBusinessRules(t *testing.T) {
	valid := []string{"070 123 456", "+389 71 222 333", "072-111-222", "02 3123 456", "+389 2 3123 456"}
	for _, phone := range valid {
		assert.Empty(t, businessErrors(t, core.KindCustomer, map[string]string{"phone": phone}), phone)
	}
	invalid := []string{"073 123 456", "+44 20 7946 0958", "070 123 45", "12345"}
	for _, phone := range invalid {
		got := businessErrors(t, core.KindCustomer, map[string]string{"phone": phone})
		assert.Equal(t, "invalid Macedonian phone number format", got["phone"], phone)
	}

	assert.Empty(t, businessErrors(t, core.KindCustomer, map[string]string{"tax_id": "MK 4030-990-123456"}))
	assert.Empty(t, businessErrors(t, core.KindCustomer, map[string]string{"tax_id": "4030000000001"}))
	got := businessErrors(t, core.KindCustomer, map[string]string{"tax_id": "MK40309990"})
	assert.Contains(t, got["tax_id"], "13 digits expected, got 8")
	assert.Empty(t, businessErrors(t, core.KindCustomer, map[string]string{"name": "Acme"}))
}

func TestItemPriceIsPlausible(t *testing.T) {
	assert.Empty(t, businessErrors(t, core.KindItem, map[string]string{"price": "1.000.000,00"}))
	got := businessErrors(t, core.KindItem, map[string]string{"price": "1000000.01"})
	assert.Contains(t, got["price"], "unreasonably high")
}
