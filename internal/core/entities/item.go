package entities

import "github.com/bloodyteeths/mkfakturi-sub002/internal/core"

func init() {
	registerItems()
}

func registerItems() {
	core.Register(core.EntityDefinition{
		Kind:         core.KindItem,
		Label:        "Items",
		StagingTable: "import_staging_items",
		LiveTable:    "items",
		FieldSpecs: []core.FieldSpec{
			{Name: "name", Type: core.FieldText, Required: true, MaxLength: 255},
			{Name: "sku", Type: core.FieldText, MaxLength: 100},
			{Name: "barcode", Type: core.FieldText, MaxLength: 100},
			{Name: "description", Type: core.FieldText},
			{Name: "price", Type: core.FieldNumeric},
			{Name: "quantity", Type: core.FieldNumeric},
			{Name: "unit", Type: core.FieldText, MaxLength: 50},
			{Name: "track_quantity", Type: core.FieldBool},
			{Name: "category", Type: core.FieldText, Internal: true},
			{Name: "invoice_number", Type: core.FieldText, Internal: true},
			{Name: "currency_code", Type: core.FieldText, Internal: true, Normalizer: NormalizeCurrencyCode},
		},
		MatchKeys: []core.MatchKey{
			{Name: "sku", Fields: []string{"sku"}, Mode: core.MatchExact},
			{Name: "barcode", Fields: []string{"barcode"}, Mode: core.MatchExact},
			{Name: "name", Fields: []string{"name"}, Mode: core.MatchExact},
		},
		References: []core.Reference{
			{Field: "invoice_number", Target: core.KindInvoice, TargetField: "invoice_number", Column: "invoice_id", Mode: core.MatchExact},
		},
		AuxReferences: []core.AuxReference{
			{Field: "category", Kind: core.AuxCategory, Column: "category_id", Mode: core.AuxFindOrCreate},
			{Field: "currency_code", Kind: core.AuxCurrency, Column: "currency_id", Mode: core.AuxLookup, Fallback: core.FallbackTenantCurrency},
		},
		BusinessRules: []core.BusinessRule{PlausiblePrice},
	})
}
