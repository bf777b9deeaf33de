package core

import (
	"encoding/json"
	"strings"
)

// Local definitions keep these tests independent of the entities package,
// which imports core.

func testCustomerDef() *EntityDefinition {
	return &EntityDefinition{
		Kind:         KindCustomer,
		StagingTable: "import_staging_customers",
		LiveTable:    "customers",
		FieldSpecs: []FieldSpec{
			{Name: "name", Type: FieldText, Required: true, MaxLength: 20},
			{Name: "email", Type: FieldEmail, Required: true, Normalizer: strings.ToLower},
			{Name: "tax_id", Type: FieldText},
			{Name: "phone", Type: FieldText},
			{Name: "country", Type: FieldText, Internal: true},
			{Name: "currency_code", Type: FieldText, Internal: true},
		},
		MatchKeys: []MatchKey{
			{Name: "email", Fields: []string{"email"}, Mode: MatchFold},
			{Name: "tax_id", Fields: []string{"tax_id"}, Mode: MatchExact},
			{Name: "name", Fields: []string{"name"}, Mode: MatchExact},
		},
		AuxReferences: []AuxReference{
			{Field: "currency_code", Kind: AuxCurrency, Column: "currency_id", Mode: AuxLookup, Fallback: FallbackTenantCurrency},
		},
	}
}

func testInvoiceDef() *EntityDefinition {
	return &EntityDefinition{
		Kind:         KindInvoice,
		StagingTable: "import_staging_invoices",
		LiveTable:    "invoices",
		FieldSpecs: []FieldSpec{
			{Name: "invoice_number", Type: FieldText, Required: true},
			{Name: "invoice_date", Type: FieldDate, Required: true},
			{Name: "total", Type: FieldNumeric, Required: true},
			{Name: "paid", Type: FieldBool},
			{Name: "status", Type: FieldEnum, EnumValues: []string{"DRAFT", "SENT"}},
			{Name: "lines", Type: FieldInteger},
			{Name: "customer_name", Type: FieldText, Internal: true},
		},
		MatchKeys: []MatchKey{
			{Name: "invoice_number", Fields: []string{"invoice_number"}, Mode: MatchExact},
		},
		References: []Reference{
			{Field: "customer_name", Target: KindCustomer, TargetField: "name", Column: "customer_id", Mode: MatchExact, Required: true},
		},
	}
}

func directRule(id int64, kind EntityKind, source, target string, variants ...string) MappingRule {
	return MappingRule{
		ID: id, EntityKind: kind, SourceField: source, TargetField: target, Variants: variants,
		Transformation: TransformDirect, Priority: 20, Confidence: 1, IsActive: true,
	}
}

func configRule(id int64, kind EntityKind, source, target string, t TransformKind, config string) MappingRule {
	r := directRule(id, kind, source, target)
	r.Transformation = t
	r.Config = json.RawMessage(config)
	return r
}

func mappedRecord(kind EntityKind, fields map[string]string) *StagingRecord {
	return &StagingRecord{JobID: "job", Kind: kind, RowNumber: 1, Status: RowMapped, Transformed: fields}
}
