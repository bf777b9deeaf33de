package entities

import "github.com/bloodyteeths/mkfakturi-sub002/internal/core"

func init() {
	registerPayments()
}

func registerPayments() {
	core.Register(core.EntityDefinition{
		Kind:         core.KindPayment,
		Label:        "Payments",
		StagingTable: "import_staging_payments",
		LiveTable:    "payments",
		FieldSpecs: []core.FieldSpec{
			{Name: "payment_number", Type: core.FieldText, Required: true, MaxLength: 100},
			{Name: "payment_date", Type: core.FieldDate, Required: true},
			{Name: "amount", Type: core.FieldNumeric, Required: true},
			{Name: "reference", Type: core.FieldText, MaxLength: 255},
			{Name: "exchange_rate", Type: core.FieldNumeric},
			{Name: "notes", Type: core.FieldText},
			{Name: "transaction_id", Type: core.FieldText, Internal: true},
			{Name: "payment_method", Type: core.FieldText, Internal: true},
			{Name: "invoice_number", Type: core.FieldText, Internal: true},
			{Name: "customer_name", Type: core.FieldText, Internal: true},
			{Name: "customer_email", Type: core.FieldEmail, Internal: true, Normalizer: NormalizeEmail},
			{Name: "currency_code", Type: core.FieldText, Internal: true, Normalizer: NormalizeCurrencyCode},
		},
		MatchKeys: []core.MatchKey{
			{Name: "payment_number", Fields: []string{"payment_number"}, Mode: core.MatchExact},
			{Name: "reference", Fields: []string{"reference"}, Mode: core.MatchExact},
			{Name: "transaction_id", Fields: []string{"transaction_id"}, Mode: core.MatchContains, Column: "notes"},
		},
		References: []core.Reference{
			{Field: "invoice_number", Target: core.KindInvoice, TargetField: "invoice_number", Column: "invoice_id", Mode: core.MatchExact},
			{Field: "customer_name", Target: core.KindCustomer, TargetField: "name", Column: "customer_id", Mode: core.MatchExact},
			{Field: "customer_email", Target: core.KindCustomer, TargetField: "email", Column: "customer_id", Mode: core.MatchFold},
		},
		AuxReferences: []core.AuxReference{
			{Field: "payment_method", Kind: core.AuxPaymentMethod, Column: "payment_method_id", Mode: core.AuxFindOrCreate},
			{Field: "currency_code", Kind: core.AuxCurrency, Column: "currency_id", Mode: core.AuxLookup, Fallback: core.FallbackTenantCurrency},
		},
		BusinessRules: []core.BusinessRule{
			NotInFuture("payment_date", "payment date"),
		},
	})
}
