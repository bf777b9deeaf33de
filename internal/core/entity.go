package core

import (
	"fmt"
	"strings"
	"time"
)

// FieldType represents the expected data type of a target field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldNumeric
	FieldBool
	FieldEmail
	FieldInteger
)

// FieldSpec defines a canonical target field of an entity kind.
type FieldSpec struct {
	Name       string              // Canonical target field name
	DBColumn   string              // Live table column (defaults to Name)
	Type       FieldType           // Expected data type
	Required   bool                // Field must be present and error-free to commit
	EnumValues []string            // Valid values for FieldEnum type
	MaxLength  int                 // Optional maximum length for text fields
	Normalizer func(string) string // Optional normalization applied before conversion
	Internal   bool                // Used for matching or references only, never written to the live row
}

// Column returns the live column name for the field.
func (f FieldSpec) Column() string {
	if f.DBColumn != "" {
		return f.DBColumn
	}
	return f.Name
}

// MatchMode controls how a duplicate key compares staged and live values.
type MatchMode int

const (
	MatchExact    MatchMode = iota // Column equals value
	MatchFold                      // Case-insensitive equality
	MatchContains                  // Column contains value (free-text search)
)

// MatchKey is one link of an entity kind's duplicate match chain.
// All Fields must be non-empty on the staged row for the key to be tried.
type MatchKey struct {
	Name   string    // Recorded as duplicate_match_field
	Fields []string  // Target fields supplying the lookup values
	Mode   MatchMode // Comparison mode for every field
	Column string    // Search column for MatchContains (defaults to the field column)
}

// Reference links a staged row to another entity kind, e.g. an invoice's customer.
type Reference struct {
	Field       string     // Target field on this row carrying the reference value
	Target      EntityKind // Referenced entity kind
	TargetField string     // Field on the referenced kind holding the same value
	Column      string     // Live foreign key column on this kind
	Mode        MatchMode  // Comparison mode for the live lookup
	Required    bool       // Commit fails when the reference cannot be resolved
}

// AuxKind identifies auxiliary reference data owned by the live store.
type AuxKind string

const (
	AuxCurrency      AuxKind = "currency"
	AuxCategory      AuxKind = "category"
	AuxPaymentMethod AuxKind = "payment_method"
	AuxCountry       AuxKind = "country"
)

// AuxMode controls how auxiliary data is resolved at commit.
type AuxMode int

const (
	AuxLookup       AuxMode = iota // Must already exist
	AuxFindOrCreate                // Created idempotently by name when missing
)

// AuxReference resolves a staged field to an auxiliary record id.
type AuxReference struct {
	Field    string  // Target field carrying the name or code
	Kind     AuxKind // Auxiliary kind
	Column   string  // Live foreign key column
	Mode     AuxMode
	Fallback string // "tenant_currency" uses the tenant default, otherwise a literal name
	Optional bool   // An unknown name leaves the column empty instead of failing the row
}

// FallbackTenantCurrency selects the tenant's default currency when a row has none.
const FallbackTenantCurrency = "tenant_currency"

// EntityDefinition is the plugin describing one entity kind to the generic
// staging, validation, duplicate and commit machinery.
type EntityDefinition struct {
	Kind          EntityKind
	Label         string
	StagingTable  string
	LiveTable     string
	FieldSpecs    []FieldSpec
	MatchKeys     []MatchKey
	References    []Reference
	AuxReferences []AuxReference
	BusinessRules []BusinessRule
}

// BusinessRule checks constraints a single field spec cannot express, such as
// dates relative to today or totals across fields. now is the job clock.
// Violations block the commit of the row.
type BusinessRule func(rec *StagingRecord, now time.Time) []ValidationError

// Field returns the spec for a target field, matched case-insensitively.
func (d *EntityDefinition) Field(name string) (FieldSpec, bool) {
	for _, spec := range d.FieldSpecs {
		if strings.EqualFold(spec.Name, name) {
			return spec, true
		}
	}
	return FieldSpec{}, false
}

// RequiredFields returns the names of all required target fields.
func (d *EntityDefinition) RequiredFields() []string {
	var out []string
	for _, spec := range d.FieldSpecs {
		if spec.Required {
			out = append(out, spec.Name)
		}
	}
	return out
}

// KeyValues returns the lookup values of a match key for a staged row.
// Returns false when any field of the key is empty.
func (k MatchKey) KeyValues(rec *StagingRecord) ([]string, bool) {
	values := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		v := strings.TrimSpace(rec.Value(f))
		if v == "" {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

// validate checks the definition is internally consistent.
func (d *EntityDefinition) validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", d.Kind)
	}
	if d.StagingTable == "" || d.LiveTable == "" {
		return fmt.Errorf("%s: staging and live tables are required", d.Kind)
	}
	for _, key := range d.MatchKeys {
		for _, f := range key.Fields {
			if _, ok := d.Field(f); !ok {
				return fmt.Errorf("%s: match key %q uses undeclared field %q", d.Kind, key.Name, f)
			}
		}
	}
	for _, ref := range d.References {
		if _, ok := d.Field(ref.Field); !ok {
			return fmt.Errorf("%s: reference uses undeclared field %q", d.Kind, ref.Field)
		}
	}
	for _, aux := range d.AuxReferences {
		if _, ok := d.Field(aux.Field); !ok {
			return fmt.Errorf("%s: aux reference uses undeclared field %q", d.Kind, aux.Field)
		}
	}
	return nil
}
