package entities

import "github.com/bloodyteeths/mkfakturi-sub002/internal/core"

func init() {
	registerExpenses()
}

func registerExpenses() {
	core.Register(core.EntityDefinition{
		Kind:         core.KindExpense,
		Label:        "Expenses",
		StagingTable: "import_staging_expenses",
		LiveTable:    "expenses",
		FieldSpecs: []core.FieldSpec{
			{Name: "expense_date", Type: core.FieldDate, Required: true},
			{Name: "amount", Type: core.FieldNumeric, Required: true},
			{Name: "vendor_name", Type: core.FieldText, MaxLength: 255},
			{Name: "receipt_number", Type: core.FieldText, MaxLength: 100},
			{Name: "tax_amount", Type: core.FieldNumeric},
			{Name: "exchange_rate", Type: core.FieldNumeric},
			{Name: "billable", Type: core.FieldBool},
			{Name: "notes", Type: core.FieldText},
			{Name: "category_name", Type: core.FieldText, Internal: true},
			{Name: "payment_method", Type: core.FieldText, Internal: true},
			{Name: "customer_name", Type: core.FieldText, Internal: true},
			{Name: "currency_code", Type: core.FieldText, Internal: true, Normalizer: NormalizeCurrencyCode},
		},
		MatchKeys: []core.MatchKey{
			{Name: "receipt_number", Fields: []string{"receipt_number"}, Mode: core.MatchExact},
			{Name: "vendor_amount_date", Fields: []string{"vendor_name", "amount", "expense_date"}, Mode: core.MatchExact},
		},
		References: []core.Reference{
			{Field: "customer_name", Target: core.KindCustomer, TargetField: "name", Column: "customer_id", Mode: core.MatchExact},
		},
		AuxReferences: []core.AuxReference{
			{Field: "category_name", Kind: core.AuxCategory, Column: "expense_category_id", Mode: core.AuxFindOrCreate},
			{Field: "payment_method", Kind: core.AuxPaymentMethod, Column: "payment_method_id", Mode: core.AuxFindOrCreate},
			{Field: "currency_code", Kind: core.AuxCurrency, Column: "currency_id", Mode: core.AuxLookup, Fallback: core.FallbackTenantCurrency},
		},
		BusinessRules: []core.BusinessRule{
			NotInFuture("expense_date", "expense date"),
		},
	})
}
