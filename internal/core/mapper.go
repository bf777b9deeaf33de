package core

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// overrideRuleID marks a mapping that came from the job's explicit overrides.
const overrideRuleID int64 = 0

// MapResult describes the mapping of one row.
type MapResult struct {
	Mapped   []string // target fields written
	Unmapped []string // source fields without an applicable rule
	Skipped  []string // source fields whose target was already taken by a stronger mapping

	// Heuristic lists the mappings guessed by name similarity, without a rule.
	Heuristic []HeuristicMatch
}

// RuleEngine maps staged rows of one job and entity kind. It is safe for
// concurrent use; usage counters are aggregated per rule and flushed once
// per phase.
type RuleEngine struct {
	def          *EntityDefinition
	sourceSystem string
	rules        []*PreparedRule
	overrides    map[string]string
	strict       bool
	matcher      *fieldMatcher
	now          func() time.Time

	usage map[int64]*atomic.Int64
}

// NewRuleEngine prepares rules for mapping rows of one entity kind.
// Rules of other kinds are ignored.
func NewRuleEngine(def *EntityDefinition, sourceSystem string, rules []MappingRule, cfg MappingConfig) *RuleEngine {
	e := &RuleEngine{
		def:          def,
		sourceSystem: sourceSystem,
		overrides:    make(map[string]string),
		strict:       cfg.StrictUnmapped,
		now:          time.Now,
		usage:        make(map[int64]*atomic.Int64),
	}
	for _, r := range rules {
		if r.EntityKind != def.Kind {
			continue
		}
		p := Prepare(r)
		e.rules = append(e.rules, p)
		e.usage[p.ID] = new(atomic.Int64)
	}
	SortRules(e.rules)
	if cfg.Heuristic {
		e.matcher = newFieldMatcher(def, e.rules)
	}

	for source, target := range cfg.Overrides[def.Kind] {
		e.overrides[FoldKey(source)] = target
	}
	return e
}

// fieldMapping is the candidate mapping of one source field.
type fieldMapping struct {
	source     string
	target     string
	original   string
	value      string
	confidence float64
	ruleID     int64
	via        string // set for a guessed mapping
}

// MapRow transforms the raw fields of rec into target fields, recording
// confidence and the transformation log. It does not change the row status.
//
// With heuristics enabled a field no rule maps falls back to the most
// similar known field name. A transformation error, an unmapped field in
// strict mode, or a row with no mappable field yields a MappingError.
func (e *RuleEngine) MapRow(rec *StagingRecord) (MapResult, error) {
	var res MapResult
	row := RowContext(rec.RawData)
	chosen := make(map[string]fieldMapping)

	for _, source := range sortedKeys(rec.RawData) {
		value := rec.RawData[source]

		m, ok, err := e.mapField(source, value, row)
		if err != nil {
			return res, err
		}
		if !ok {
			m, ok = e.guessField(source, value)
		}
		if !ok {
			if e.strict {
				return res, &MappingError{Field: source, Err: ErrNoApplicableRule}
			}
			res.Unmapped = append(res.Unmapped, source)
			continue
		}

		if prev, taken := chosen[m.target]; taken && prev.confidence >= m.confidence {
			res.Skipped = append(res.Skipped, source)
			continue
		} else if taken {
			res.Skipped = append(res.Skipped, prev.source)
		}
		chosen[m.target] = m
	}

	if len(chosen) == 0 {
		return res, &MappingError{Field: "*", Err: fmt.Errorf("%w: no source field could be mapped", ErrNoApplicableRule)}
	}

	now := e.now()
	if rec.Transformed == nil {
		rec.Transformed = make(map[string]string, len(chosen))
	}
	for _, target := range sortedKeys(chosen) {
		m := chosen[target]
		rec.Transformed[target] = m.value
		rec.SetMappingConfidence(target, m.confidence)
		rec.LogTransformation(target, m.original, m.value, m.ruleID, now)
		if counter, ok := e.usage[m.ruleID]; ok {
			counter.Add(1)
		}
		if m.via != "" {
			res.Heuristic = append(res.Heuristic, HeuristicMatch{Source: m.source, Target: target, Via: m.via, Confidence: m.confidence})
		}
		res.Mapped = append(res.Mapped, target)
	}
	sort.Strings(res.Skipped)
	return res, nil
}

// mapField resolves a single source field. Explicit overrides win over rules.
func (e *RuleEngine) mapField(source, value string, row RowContext) (fieldMapping, bool, error) {
	if target, ok := e.overrides[FoldKey(source)]; ok {
		spec, known := e.def.Field(target)
		if !known {
			return fieldMapping{}, false, nil
		}
		return fieldMapping{
			source: source, target: spec.Name, original: value, value: value,
			confidence: 1, ruleID: overrideRuleID,
		}, true, nil
	}

	rule, ok := SelectRule(e.rules, source, e.def.Kind, e.sourceSystem, row)
	if !ok {
		return fieldMapping{}, false, nil
	}
	spec, known := e.def.Field(rule.TargetField)
	if !known {
		return fieldMapping{}, false, nil
	}

	out, err := rule.Apply(value, row)
	if err != nil {
		return fieldMapping{}, false, &MappingError{Field: source, RuleID: rule.ID, Err: err}
	}
	return fieldMapping{
		source: source, target: spec.Name, original: value, value: out,
		confidence: rule.Confidence, ruleID: rule.ID,
	}, true, nil
}

// guessField maps source by name similarity when heuristics are enabled.
func (e *RuleEngine) guessField(source, value string) (fieldMapping, bool) {
	if e.matcher == nil {
		return fieldMapping{}, false
	}
	hm, ok := e.matcher.Match(source)
	if !ok {
		return fieldMapping{}, false
	}
	return fieldMapping{
		source: source, target: hm.Target, original: value, value: value,
		confidence: hm.Confidence, ruleID: overrideRuleID, via: hm.Via,
	}, true
}

// Usage returns the number of applications per rule id since the last call
// and resets the counters.
func (e *RuleEngine) Usage() map[int64]int64 {
	out := make(map[int64]int64)
	for id, c := range e.usage {
		if n := c.Swap(0); n > 0 {
			out[id] = n
		}
	}
	return out
}

// RuleCount returns the number of rules the engine matches against.
func (e *RuleEngine) RuleCount() int {
	return len(e.rules)
}
