// Package seed loads the catalog of system mapping rules embedded in the
// binary and upserts it into the rule store.
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

//go:embed rules.yaml
var catalog []byte

const (
	defaultPriority   = 100
	defaultConfidence = 1.0
)

type catalogFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Entity         string               `yaml:"entity"`
	SourceSystem   string               `yaml:"source_system"`
	SourceField    string               `yaml:"source_field"`
	TargetField    string               `yaml:"target_field"`
	Variants       []string             `yaml:"variants"`
	Patterns       []string             `yaml:"patterns"`
	Transformation string               `yaml:"transformation"`
	Config         map[string]any       `yaml:"config"`
	Conditions     []core.RuleCondition `yaml:"conditions"`
	TestCases      []core.RuleTestCase  `yaml:"test_cases"`
	Priority       int                  `yaml:"priority"`
	Confidence     *float64             `yaml:"confidence"`
}

// Rules returns the embedded system rules.
func Rules() ([]core.MappingRule, error) {
	return Parse(catalog)
}

// Parse decodes a rule catalog. Every rule is validated; all problems are
// reported together.
func Parse(data []byte) ([]core.MappingRule, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode rule catalog: %w", err)
	}

	rules := make([]core.MappingRule, 0, len(file.Rules))
	var errs []error
	for i, spec := range file.Rules {
		rule, err := spec.rule()
		if err == nil {
			err = rule.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i+1, err))
			continue
		}
		rules = append(rules, rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}

func (s ruleSpec) rule() (core.MappingRule, error) {
	rule := core.MappingRule{
		EntityKind:     core.EntityKind(s.Entity),
		SourceSystem:   s.SourceSystem,
		SourceField:    s.SourceField,
		TargetField:    s.TargetField,
		Variants:       s.Variants,
		Patterns:       s.Patterns,
		Transformation: core.TransformKind(s.Transformation),
		Conditions:     s.Conditions,
		TestCases:      s.TestCases,
		Priority:       s.Priority,
		Confidence:     defaultConfidence,
		IsActive:       true,
		IsSystem:       true,
	}
	if rule.Transformation == "" {
		rule.Transformation = core.TransformDirect
	}
	if rule.Priority == 0 {
		rule.Priority = defaultPriority
	}
	if s.Confidence != nil {
		rule.Confidence = *s.Confidence
	}
	if len(s.Config) > 0 {
		raw, err := json.Marshal(s.Config)
		if err != nil {
			return core.MappingRule{}, fmt.Errorf("%s.%s config: %w", s.Entity, s.SourceField, err)
		}
		rule.Config = raw
	}
	return rule, nil
}

// Apply upserts the embedded catalog into store.
func Apply(ctx context.Context, store core.RuleStore) (int, error) {
	rules, err := Rules()
	if err != nil {
		return 0, err
	}
	n, err := store.UpsertSystemRules(ctx, rules)
	if err != nil {
		return 0, fmt.Errorf("upsert system rules: %w", err)
	}
	slog.Info("system mapping rules seeded", "rules", len(rules), "changed", n)
	return n, nil
}
