package web

import (
	"fmt"
	"net/http"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// handleListRules lists mapping rules visible to the tenant: its own rules
// and the system rules shared by every tenant.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.RuleFilter{
		TenantID:       requestTenant(r),
		Kind:           core.EntityKind(q.Get("entity")),
		SourceSystem:   q.Get("source_system"),
		Transformation: core.TransformKind(q.Get("transformation")),
		ActiveOnly:     parseBoolParam(r, "active"),
		SystemOnly:     parseBoolParam(r, "system"),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		respondError(w, r, errBadRequest(fmt.Sprintf("unknown entity kind %q", filter.Kind)))
		return
	}
	filter.Limit, filter.Offset = parsePage(r, 100)

	rules, err := s.service.ListRules(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rules == nil {
		rules = []core.MappingRule{}
	}
	writeJSON(w, rules)
}

// handleRuleFeedback records that a rule produced an accepted mapping.
func (s *Server) handleRuleFeedback(w http.ResponseWriter, r *http.Request) {
	ruleID, err := parseIDParam(r, "ruleID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	rule, err := s.service.RuleFeedback(r.Context(), ruleID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, rule)
}

// handleSetRuleActive returns a handler that activates or deactivates a rule.
func (s *Server) handleSetRuleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, err := parseIDParam(r, "ruleID")
		if err != nil {
			respondError(w, r, err)
			return
		}

		if err := s.service.SetRuleActive(r.Context(), ruleID, active); err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"id": ruleID, "active": active})
	}
}

// handleTestRule runs a rule against its stored test cases.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := parseIDParam(r, "ruleID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	result, err := s.service.TestRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, result)
}
