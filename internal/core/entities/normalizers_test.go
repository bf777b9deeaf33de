package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

func TestNormalizeCountry(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Северна Македонија", "MK"},
		{"македонија", "MK"},
		{" germany ", "DE"},
		{"rs", "RS"},
		{"MK", "MK"},
		{"Црна Гора", "ME"},
		{"Atlantis", "Atlantis"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCountry(tt.in), tt.in)
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "info@acme.mk", NormalizeEmail("  Info@ACME.mk "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestNormalizeCurrencyCode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ден", "MKD"},
		{"Ден.", "MKD"},
		{"денари", "MKD"},
		{"mkd", "MKD"},
		{" € ", "EUR"},
		{"Евро", "EUR"},
		{"$", "USD"},
		{"gbp", "GBP"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCurrencyCode(tt.in), tt.in)
	}
}

func TestNormalizeTaxID(t *testing.T) {
	assert.Equal(t, "MK4030990123456", NormalizeTaxID("mk 4030-990-123456"))
	assert.Equal(t, "4030990123456", NormalizeTaxID("4030 990 123 456"))
	assert.Equal(t, "", NormalizeTaxID(" - "))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+389 70 123 456", "+38970123456"},
		{"070/123-001", "070123001"},
		{" (02) 3111 222 ", "023111222"},
		{"n/a", "n/a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), tt.in)
	}
}

func TestNormalizePaidStatus(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Платена", "PAID"},
		{"paid", "PAID"},
		{"да", "PAID"},
		{"Делумно платено", "PARTIALLY_PAID"},
		{"partial", "PARTIALLY_PAID"},
		{"неплатена", "UNPAID"},
		{"", "UNPAID"},
		{" overdue ", "OVERDUE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePaidStatus(tt.in), tt.in)
	}
}

func TestRegisteredKinds(t *testing.T) {
	defs := core.All()
	require.Len(t, defs, len(core.CommitOrder))
	for i, def := range defs {
		assert.Equal(t, core.CommitOrder[i], def.Kind)
		assert.NotEmpty(t, def.RequiredFields(), def.Kind)
	}

	customer, ok := core.Get(core.KindCustomer)
	require.True(t, ok)
	email, ok := customer.Field("email")
	require.True(t, ok)
	require.NotNil(t, email.Normalizer)
	assert.Equal(t, "a@x.com", email.Normalizer(" A@X.com"))

	country, ok := customer.Field("billing_country")
	require.True(t, ok)
	assert.True(t, country.Internal)
}
