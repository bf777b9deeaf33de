package entities

import "github.com/bloodyteeths/mkfakturi-sub002/internal/core"

func init() {
	registerInvoices()
}

func registerInvoices() {
	core.Register(core.EntityDefinition{
		Kind:         core.KindInvoice,
		Label:        "Invoices",
		StagingTable: "import_staging_invoices",
		LiveTable:    "invoices",
		FieldSpecs: []core.FieldSpec{
			{Name: "invoice_number", Type: core.FieldText, Required: true, MaxLength: 100},
			{Name: "invoice_date", Type: core.FieldDate, Required: true},
			{Name: "total", Type: core.FieldNumeric, Required: true},
			{Name: "reference_number", Type: core.FieldText, MaxLength: 100},
			{Name: "due_date", Type: core.FieldDate},
			{Name: "sub_total", Type: core.FieldNumeric},
			{Name: "tax", Type: core.FieldNumeric},
			{Name: "discount", Type: core.FieldNumeric},
			{Name: "due_amount", Type: core.FieldNumeric},
			{Name: "exchange_rate", Type: core.FieldNumeric},
			{Name: "paid_status", Type: core.FieldEnum, EnumValues: []string{"UNPAID", "PARTIALLY_PAID", "PAID"}, Normalizer: NormalizePaidStatus},
			{Name: "notes", Type: core.FieldText},
			{Name: "customer_name", Type: core.FieldText, Internal: true},
			{Name: "customer_email", Type: core.FieldEmail, Internal: true, Normalizer: NormalizeEmail},
			{Name: "currency_code", Type: core.FieldText, Internal: true, Normalizer: NormalizeCurrencyCode},
		},
		MatchKeys: []core.MatchKey{
			{Name: "invoice_number", Fields: []string{"invoice_number"}, Mode: core.MatchExact},
			{Name: "reference_number", Fields: []string{"reference_number"}, Mode: core.MatchExact},
		},
		// The email reference is listed last so it wins over the name when both resolve.
		References: []core.Reference{
			{Field: "customer_name", Target: core.KindCustomer, TargetField: "name", Column: "customer_id", Mode: core.MatchExact},
			{Field: "customer_email", Target: core.KindCustomer, TargetField: "email", Column: "customer_id", Mode: core.MatchFold},
		},
		AuxReferences: []core.AuxReference{
			{Field: "currency_code", Kind: core.AuxCurrency, Column: "currency_id", Mode: core.AuxLookup, Fallback: core.FallbackTenantCurrency},
		},
		BusinessRules: []core.BusinessRule{
			NotInFuture("invoice_date", "invoice date"),
			NotBefore("due_date", "invoice_date"),
			InvoiceTotalMatches,
		},
	})
}
