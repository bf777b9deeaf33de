package core

// rules.go holds the mapping rule catalog model: applicability, selection,
// feedback counters and fixture runs.

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// RuleCondition is a field/operator/value predicate over the row context.
type RuleCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// RuleTestCase is a fixture checked by RunTestCases.
type RuleTestCase struct {
	Input    string            `json:"input" yaml:"input"`
	Expected string            `json:"expected_output" yaml:"expected_output"`
	Context  map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
}

// MappingRule maps one source field to one target field through a transformation.
// TenantID 0 marks a global rule.
type MappingRule struct {
	ID           int64      `json:"id"`
	TenantID     int64      `json:"tenantId,omitempty"`
	EntityKind   EntityKind `json:"entityKind"`
	SourceSystem string     `json:"sourceSystem,omitempty"`
	SourceField  string     `json:"sourceField"`
	TargetField  string     `json:"targetField"`
	Variants     []string   `json:"variants,omitempty"`
	Patterns     []string   `json:"patterns,omitempty"`

	Transformation TransformKind   `json:"transformation"`
	Config         json.RawMessage `json:"config,omitempty"`
	Conditions     []RuleCondition `json:"conditions,omitempty"`
	TestCases      []RuleTestCase  `json:"testCases,omitempty"`

	Priority     int     `json:"priority"`
	Confidence   float64 `json:"confidence"`
	UsageCount   int64   `json:"usageCount"`
	SuccessCount int64   `json:"successCount"`
	SuccessRate  float64 `json:"successRate"`
	IsActive     bool    `json:"isActive"`
	IsSystem     bool    `json:"isSystem"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IncrementUsage adds n applications to the usage counter.
func (r *MappingRule) IncrementUsage(n int64) {
	if n > 0 {
		r.UsageCount += n
		r.updateSuccessRate()
	}
}

// RecordSuccess registers positive feedback. Success never exceeds usage.
func (r *MappingRule) RecordSuccess() {
	if r.SuccessCount < r.UsageCount {
		r.SuccessCount++
	}
	r.updateSuccessRate()
}

func (r *MappingRule) updateSuccessRate() {
	if r.UsageCount <= 0 {
		r.SuccessRate = 0
		return
	}
	r.SuccessRate = math.Min(1, float64(r.SuccessCount)/float64(r.UsageCount))
}

// Activate enables the rule.
func (r *MappingRule) Activate() { r.IsActive = true }

// Deactivate disables the rule.
func (r *MappingRule) Deactivate() { r.IsActive = false }

// Validate checks the rule definition, including its transformation config.
func (r *MappingRule) Validate() error {
	var problems []string
	if !r.EntityKind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown entity kind %q", r.EntityKind))
	}
	if strings.TrimSpace(r.SourceField) == "" {
		problems = append(problems, "source field is required")
	}
	if strings.TrimSpace(r.TargetField) == "" {
		problems = append(problems, "target field is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %.2f outside [0,1]", r.Confidence))
	}
	if _, err := ParseTransform(r.Transformation, r.Config); err != nil {
		problems = append(problems, err.Error())
	}
	for _, p := range r.Patterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			problems = append(problems, fmt.Sprintf("invalid pattern %q", p))
		}
	}
	for _, c := range r.Conditions {
		if !validOperator(firstNonEmpty(c.Operator, "=")) {
			problems = append(problems, fmt.Sprintf("unknown operator %q", c.Operator))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("rule %s.%s: %s", r.EntityKind, r.SourceField, strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// Prepared rules
// =============================================================================

// PreparedRule is a rule with its patterns compiled and transform decoded.
// It is immutable and safe for concurrent use.
type PreparedRule struct {
	MappingRule
	sourceKey string
	variants  map[string]struct{}
	patterns  []*regexp.Regexp
	transform Transform
	err       error
}

// Prepare compiles a rule for matching. A broken transformation config does
// not fail preparation; applying such a rule reports the error instead.
func Prepare(rule MappingRule) *PreparedRule {
	p := &PreparedRule{
		MappingRule: rule,
		sourceKey:   FoldKey(rule.SourceField),
		variants:    make(map[string]struct{}, len(rule.Variants)),
	}
	for _, v := range rule.Variants {
		p.variants[FoldKey(v)] = struct{}{}
	}
	for _, pat := range rule.Patterns {
		if re, err := regexp.Compile("(?i)" + pat); err == nil {
			p.patterns = append(p.patterns, re)
		}
	}
	p.transform, p.err = ParseTransform(rule.Transformation, rule.Config)
	p.Confidence = ClampConfidence(rule.Confidence)
	return p
}

// MatchesSourceField reports whether field names this rule's source field,
// a variant of it, or matches one of its patterns.
func (p *PreparedRule) MatchesSourceField(field string) bool {
	key := FoldKey(field)
	if key == p.sourceKey {
		return true
	}
	if _, ok := p.variants[key]; ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

// IsApplicable reports whether the rule applies to a source field of a row.
func (p *PreparedRule) IsApplicable(field string, kind EntityKind, sourceSystem string, row RowContext) bool {
	if !p.IsActive || p.EntityKind != kind {
		return false
	}
	if p.SourceSystem != "" && !strings.EqualFold(p.SourceSystem, sourceSystem) {
		return false
	}
	if !p.MatchesSourceField(field) {
		return false
	}
	return p.evaluateConditions(row)
}

// evaluateConditions requires every condition to hold. A condition on a
// field the row does not carry is skipped.
func (p *PreparedRule) evaluateConditions(row RowContext) bool {
	for _, c := range p.Conditions {
		if c.Field == "" {
			continue
		}
		actual, ok := row.Get(c.Field)
		if !ok {
			continue
		}
		if !EvalOperator(firstNonEmpty(c.Operator, "="), actual, c.Value) {
			return false
		}
	}
	return true
}

// Apply transforms value with the rule's transformation.
func (p *PreparedRule) Apply(value string, row RowContext) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.transform.Apply(value, row), nil
}

// better reports whether p should be preferred over q: higher confidence,
// then lower priority, then higher usage, then lower id.
func (p *PreparedRule) better(q *PreparedRule) bool {
	if p.Confidence != q.Confidence {
		return p.Confidence > q.Confidence
	}
	if p.Priority != q.Priority {
		return p.Priority < q.Priority
	}
	if p.UsageCount != q.UsageCount {
		return p.UsageCount > q.UsageCount
	}
	return p.ID < q.ID
}

// SelectRule returns the best applicable rule for a source field.
func SelectRule(rules []*PreparedRule, field string, kind EntityKind, sourceSystem string, row RowContext) (*PreparedRule, bool) {
	var best *PreparedRule
	for _, r := range rules {
		if !r.IsApplicable(field, kind, sourceSystem, row) {
			continue
		}
		if best == nil || r.better(best) {
			best = r
		}
	}
	return best, best != nil
}

// SortRules orders rules by preference.
func SortRules(rules []*PreparedRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].better(rules[j]) })
}

// =============================================================================
// Fixtures
// =============================================================================

// TestCaseResult is the outcome of one rule fixture.
type TestCaseResult struct {
	Input    string            `json:"input"`
	Expected string            `json:"expected"`
	Actual   string            `json:"actual"`
	Passed   bool              `json:"passed"`
	Context  map[string]string `json:"context,omitempty"`
}

// TestRunResult summarizes a RunTestCases call.
type TestRunResult struct {
	Status      string           `json:"status"`
	Total       int              `json:"totalTests"`
	Passed      int              `json:"passedTests"`
	Failed      int              `json:"failedTests"`
	SuccessRate float64          `json:"successRate"`
	Results     []TestCaseResult `json:"results"`
	Error       string           `json:"error,omitempty"`
}

// RunTestCases applies the rule to each of its fixtures.
func (r *MappingRule) RunTestCases() TestRunResult {
	if len(r.TestCases) == 0 {
		return TestRunResult{Status: "no_tests", Results: []TestCaseResult{}}
	}

	p := Prepare(*r)
	if p.err != nil {
		return TestRunResult{Status: "invalid", Total: len(r.TestCases), Failed: len(r.TestCases), Error: p.err.Error()}
	}

	res := TestRunResult{Status: "completed", Total: len(r.TestCases)}
	for _, tc := range r.TestCases {
		actual, _ := p.Apply(tc.Input, RowContext(tc.Context))
		passed := actual == tc.Expected
		if passed {
			res.Passed++
		}
		res.Results = append(res.Results, TestCaseResult{
			Input:    tc.Input,
			Expected: tc.Expected,
			Actual:   actual,
			Passed:   passed,
			Context:  tc.Context,
		})
	}
	res.Failed = res.Total - res.Passed
	res.SuccessRate = math.Round(float64(res.Passed)/float64(res.Total)*10000) / 100
	return res
}

// =============================================================================
// Operators
// =============================================================================

var operators = map[string]bool{
	"=": true, "==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"contains": true, "regex": true,
}

func validOperator(op string) bool { return operators[op] }

// regexCache holds compiled condition patterns keyed by pattern text.
var regexCache sync.Map

func cachedRegex(pattern string) (*regexp.Regexp, bool) {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re, re != nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil, false
	}
	regexCache.Store(pattern, re)
	return re, true
}

// EvalOperator compares actual against expected. Numeric operands compare
// numerically; otherwise equality is exact and ordering is lexical.
// Unknown operators evaluate false.
func EvalOperator(op, actual, expected string) bool {
	switch op {
	case "=", "==":
		return compareValues(actual, expected) == 0
	case "!=":
		return compareValues(actual, expected) != 0
	case ">":
		return compareValues(actual, expected) > 0
	case "<":
		return compareValues(actual, expected) < 0
	case ">=":
		return compareValues(actual, expected) >= 0
	case "<=":
		return compareValues(actual, expected) <= 0
	case "contains":
		return ContainsFold(actual, expected)
	case "regex":
		re, ok := cachedRegex(expected)
		return ok && re.MatchString(actual)
	default:
		return false
	}
}

func compareValues(a, b string) int {
	da, okA := parseNumber(a)
	db, okB := parseNumber(b)
	if okA && okB {
		return da.Cmp(db)
	}
	return strings.Compare(a, b)
}
