package entities

import "github.com/bloodyteeths/mkfakturi-sub002/internal/core"

func init() {
	registerCustomers()
}

func registerCustomers() {
	core.Register(core.EntityDefinition{
		Kind:         core.KindCustomer,
		Label:        "Customers",
		StagingTable: "import_staging_customers",
		LiveTable:    "customers",
		FieldSpecs: []core.FieldSpec{
			{Name: "name", Type: core.FieldText, Required: true, MaxLength: 255},
			{Name: "email", Type: core.FieldEmail, Required: true, MaxLength: 255, Normalizer: NormalizeEmail},
			{Name: "company_name", Type: core.FieldText, MaxLength: 255},
			{Name: "contact_name", Type: core.FieldText, MaxLength: 255},
			{Name: "phone", Type: core.FieldText, MaxLength: 50, Normalizer: NormalizePhone},
			{Name: "website", Type: core.FieldText, MaxLength: 255},
			{Name: "tax_id", Type: core.FieldText, MaxLength: 50, Normalizer: NormalizeTaxID},
			{Name: "billing_address", Type: core.FieldText},
			{Name: "billing_city", Type: core.FieldText, MaxLength: 100},
			{Name: "billing_state", Type: core.FieldText, MaxLength: 100},
			{Name: "billing_zip", Type: core.FieldText, MaxLength: 20},
			{Name: "billing_country", Type: core.FieldText, Internal: true, Normalizer: NormalizeCountry},
			{Name: "shipping_address", Type: core.FieldText},
			{Name: "shipping_city", Type: core.FieldText, MaxLength: 100},
			{Name: "shipping_zip", Type: core.FieldText, MaxLength: 20},
			{Name: "currency_code", Type: core.FieldText, Internal: true, Normalizer: NormalizeCurrencyCode},
		},
		MatchKeys: []core.MatchKey{
			{Name: "email", Fields: []string{"email"}, Mode: core.MatchFold},
			{Name: "tax_id", Fields: []string{"tax_id"}, Mode: core.MatchExact},
			{Name: "name", Fields: []string{"name"}, Mode: core.MatchExact},
		},
		AuxReferences: []core.AuxReference{
			{Field: "billing_country", Kind: core.AuxCountry, Column: "country_id", Mode: core.AuxLookup, Optional: true},
			{Field: "currency_code", Kind: core.AuxCurrency, Column: "currency_id", Mode: core.AuxLookup, Fallback: core.FallbackTenantCurrency},
		},
		BusinessRules: []core.BusinessRule{MacedonianTaxID, MacedonianPhone},
	})
}
