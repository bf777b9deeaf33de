package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

func (s *memStore) tenantRules(tenant int64) map[string]core.MappingRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]core.MappingRule)
	for _, r := range s.rules {
		if r.TenantID == tenant && !r.IsSystem {
			out[r.SourceField] = r
		}
	}
	return out
}

func TestPipeline_HeuristicMappingLearnsRules(t *testing.T) {
	h := newHarness(t, func(c *core.OrchestratorConfig) { c.HeuristicMapping = true })

	const header = "Купувачи,Email,Mobilen,Company Nme,Favourite Colour\n"
	job := h.run(t, customersJob(1, "", header+"Acme,a@x.com,070 123 456,Acme DOO,blue\n"))
	require.Equal(t, core.OutcomeSuccess, job.Outcome())

	rows := h.rows(t, job.ID, core.KindCustomer)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme", rows[0].Transformed["name"])
	assert.Equal(t, "070 123 456", rows[0].Transformed["phone"])
	assert.Equal(t, "Acme DOO", rows[0].Transformed["company_name"])
	assert.Less(t, rows[0].MappingConfidence["name"], 1.0)

	auto := h.store.logsOf(job.ID, core.LogAutoMapping)
	require.Len(t, auto, 3)
	targets := map[string]string{}
	for _, e := range auto {
		targets[e.FieldName] = e.TransformedValue
	}
	assert.Equal(t, map[string]string{"Купувачи": "name", "Mobilen": "phone", "Company Nme": "company_name"}, targets)

	learned := h.store.logsOf(job.ID, core.LogCustomRuleApplied)
	require.Len(t, learned, 2)
	for _, e := range learned {
		assert.NotZero(t, e.RuleID)
		assert.GreaterOrEqual(t, e.Confidence, core.HeuristicRuleConfidence)
	}

	rules := h.store.tenantRules(1)
	require.Len(t, rules, 2, "the weaker company name guess is not saved")
	assert.Equal(t, "name", rules["Купувачи"].TargetField)
	assert.Equal(t, "phone", rules["Mobilen"].TargetField)
	assert.Equal(t, core.TransformDirect, rules["Mobilen"].Transformation)
	assert.Empty(t, h.store.tenantRules(2))

	t.Run("next import maps through the saved rules", func(t *testing.T) {
		next := h.run(t, customersJob(1, "", header+"Beta,b@x.com,071 222 333,Beta DOO,red\n"))
		require.Equal(t, core.OutcomeSuccess, next.Outcome())

		assert.Empty(t, h.store.logsOf(next.ID, core.LogCustomRuleApplied))
		auto := h.store.logsOf(next.ID, core.LogAutoMapping)
		require.Len(t, auto, 1)
		assert.Equal(t, "Company Nme", auto[0].FieldName)

		rows := h.rows(t, next.ID, core.KindCustomer)
		require.Len(t, rows, 1)
		assert.Equal(t, "Beta", rows[0].Transformed["name"])
		for _, entry := range rows[0].TransformationLog {
			switch entry.Field {
			case "name":
				assert.Equal(t, rules["Купувачи"].ID, entry.RuleID)
			case "phone":
				assert.Equal(t, rules["Mobilen"].ID, entry.RuleID)
			}
		}
	})

	t.Run("off without the option", func(t *testing.T) {
		plain := newHarness(t)
		job := plain.run(t, customersJob(1, "", header+"Acme,a@x.com,070 123 456,Acme DOO,blue\n"))
		assert.Empty(t, plain.store.logsOf(job.ID, core.LogAutoMapping))
		assert.Empty(t, plain.store.tenantRules(1))
	})
}
