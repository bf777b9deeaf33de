package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFieldName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Customer Name", "customer_name"},
		{"  E-Mail.Address ", "e_mail_address"},
		{"Col_Email (2)", "email"},
		{"Notes 2", "notes"},
		{`"Tax ID"`, "tax_id"},
		{"Купувач", "купувач"},
		{"field_phone", "phone"},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeFieldName(tt.in), tt.in)
	}
}

func TestFieldSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, FieldSimilarity("email", "email"))
	assert.Zero(t, FieldSimilarity("", "email"))

	assert.InDelta(t, 0.926, FieldSimilarity("купувачи", "купувач"), 0.001)
	assert.InDelta(t, 0.717, FieldSimilarity("taxid", "tax_id"), 0.001)
	assert.Equal(t, FieldSimilarity("taxid", "tax_id"), FieldSimilarity("tax_id", "taxid"))

	for _, pair := range [][2]string{
		{"favourite_colour", "currency_code"},
		{"fax", "tax_id"},
		{"notes", "name"},
	} {
		assert.Less(t, FieldSimilarity(pair[0], pair[1]), HeuristicMinConfidence, "%s vs %s", pair[0], pair[1])
	}
}

func TestFieldMatcher(t *testing.T) {
	def := testCustomerDef()
	var rules []*PreparedRule
	for _, r := range customerRules() {
		if r.EntityKind == def.Kind {
			rules = append(rules, Prepare(r))
		}
	}
	m := newFieldMatcher(def, rules)

	hm, ok := m.Match("Купувачи")
	require.True(t, ok)
	assert.Equal(t, "name", hm.Target)
	assert.Equal(t, "купувач", hm.Via)
	assert.InDelta(t, 0.926, hm.Confidence, 0.001)

	hm, ok = m.Match("Name 2")
	require.True(t, ok)
	assert.Equal(t, "name", hm.Target)
	assert.Equal(t, heuristicCeiling, hm.Confidence, "an exact name stays below rule confidence")

	_, ok = m.Match("Favourite Colour")
	assert.False(t, ok)
	_, ok = m.Match("Phne")
	assert.False(t, ok, "0.68 is below the cut-off")

	again, ok := m.Match("Купувачи")
	require.True(t, ok)
	assert.Equal(t, "name", again.Target)
}

func TestHeuristicMatch_LearnedRule(t *testing.T) {
	hm := HeuristicMatch{Source: "Купувачи", Target: "name", Via: "купувач", Confidence: 0.93}
	rule := hm.LearnedRule(4, KindCustomer, "onivo")

	assert.Equal(t, int64(4), rule.TenantID)
	assert.Equal(t, "Купувачи", rule.SourceField)
	assert.Equal(t, "name", rule.TargetField)
	assert.Equal(t, TransformDirect, rule.Transformation)
	assert.Equal(t, 0.93, rule.Confidence)
	assert.True(t, rule.IsActive)
	assert.False(t, rule.IsSystem)
	require.NoError(t, rule.Validate())
}
