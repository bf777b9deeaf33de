package core

// transform.go implements the nine transformation kinds a mapping rule can apply.
//
// Each kind is a separate type behind the sealed Transform interface. A rule's
// configuration is decoded once by ParseTransform; applying a transform is a
// pure function of the value and the row context.

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// TransformKind names a transformation kind.
type TransformKind string

const (
	TransformDirect          TransformKind = "direct"
	TransformRegex           TransformKind = "regex"
	TransformLookup          TransformKind = "lookup"
	TransformCalculation     TransformKind = "calculation"
	TransformDateFormat      TransformKind = "date_format"
	TransformCurrencyConvert TransformKind = "currency_convert"
	TransformSplit           TransformKind = "split"
	TransformCombine         TransformKind = "combine"
	TransformConditional     TransformKind = "conditional"
)

// TransformKinds lists every transformation kind.
var TransformKinds = []TransformKind{
	TransformDirect, TransformRegex, TransformLookup, TransformCalculation, TransformDateFormat,
	TransformCurrencyConvert, TransformSplit, TransformCombine, TransformConditional,
}

// Valid reports whether k is a known transformation kind.
func (k TransformKind) Valid() bool {
	for _, known := range TransformKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RowContext holds the raw source fields of the row being mapped.
type RowContext map[string]string

// Get returns a context field, matching the name case-insensitively.
func (c RowContext) Get(field string) (string, bool) {
	if v, ok := c[field]; ok {
		return v, true
	}
	key := FoldKey(field)
	for _, name := range sortedKeys(c) {
		if FoldKey(name) == key {
			return c[name], true
		}
	}
	return "", false
}

// Transform converts one source value into a target value.
type Transform interface {
	Kind() TransformKind
	Apply(value string, row RowContext) string
	sealed()
}

// ParseTransform decodes the configuration of a transformation kind.
// Missing options take their documented defaults.
func ParseTransform(kind TransformKind, config json.RawMessage) (Transform, error) {
	if len(config) == 0 || string(config) == "null" {
		config = json.RawMessage("{}")
	}

	var (
		t   Transform
		err error
	)
	switch kind {
	case TransformDirect:
		t = DirectTransform{}
	case TransformRegex:
		t, err = parseRegex(config)
	case TransformLookup:
		t, err = parseLookup(config)
	case TransformCalculation:
		t, err = parseCalculation(config)
	case TransformDateFormat:
		t, err = parseDateFormat(config)
	case TransformCurrencyConvert:
		t, err = parseCurrencyConvert(config)
	case TransformSplit:
		t, err = parseSplit(config)
	case TransformCombine:
		t, err = parseCombine(config)
	case TransformConditional:
		t, err = parseConditional(config)
	default:
		return nil, fmt.Errorf("unknown transformation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s config: %w", kind, err)
	}
	return t, nil
}

// configString decodes a JSON string, number or bool as its text form.
type configString string

func (s *configString) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	switch {
	case len(data) == 0 || string(data) == "null":
		return nil
	case data[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = configString(str)
	case data[0] == '{' || data[0] == '[':
		return fmt.Errorf("expected a scalar, got %s", data)
	default:
		*s = configString(data)
	}
	return nil
}

// =============================================================================
// direct
// =============================================================================

// DirectTransform passes the value through unchanged.
type DirectTransform struct{}

func (DirectTransform) Kind() TransformKind { return TransformDirect }
func (DirectTransform) sealed()             {}

func (DirectTransform) Apply(value string, _ RowContext) string { return value }

// =============================================================================
// regex
// =============================================================================

// RegexTransform replaces every match of Pattern with Replacement.
// Matching is case-insensitive; $1 and \1 refer to capture groups.
type RegexTransform struct {
	Pattern     string
	Replacement string
	re          *regexp.Regexp
	template    string
}

var backrefRegex = regexp.MustCompile(`[$\\](\d+)`)

func parseRegex(config json.RawMessage) (RegexTransform, error) {
	var c struct {
		Pattern     string        `json:"pattern"`
		Replacement *configString `json:"replacement"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return RegexTransform{}, err
	}

	t := RegexTransform{Pattern: c.Pattern, Replacement: "$1"}
	if c.Replacement != nil {
		t.Replacement = string(*c.Replacement)
	}
	if c.Pattern == "" {
		return t, nil
	}

	re, err := regexp.Compile("(?i)" + c.Pattern)
	if err != nil {
		return RegexTransform{}, fmt.Errorf("invalid pattern: %w", err)
	}
	t.re = re
	t.template = backrefRegex.ReplaceAllString(t.Replacement, "$${$1}")
	return t, nil
}

func (t RegexTransform) Kind() TransformKind { return TransformRegex }
func (t RegexTransform) sealed()             {}

func (t RegexTransform) Apply(value string, _ RowContext) string {
	if t.re == nil {
		return value
	}
	return t.re.ReplaceAllString(value, t.template)
}

// =============================================================================
// lookup
// =============================================================================

// LookupTransform maps values through a case-insensitive table.
type LookupTransform struct {
	Table   map[string]string
	Default *string
	keys    []string
}

func parseLookup(config json.RawMessage) (LookupTransform, error) {
	var c struct {
		Table   map[string]configString `json:"lookup_table"`
		Default *configString           `json:"default_value"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return LookupTransform{}, err
	}

	t := LookupTransform{Table: make(map[string]string, len(c.Table))}
	for k, v := range c.Table {
		t.Table[k] = string(v)
	}
	if c.Default != nil {
		d := string(*c.Default)
		t.Default = &d
	}
	t.keys = sortedKeys(t.Table)
	return t, nil
}

func (t LookupTransform) Kind() TransformKind { return TransformLookup }
func (t LookupTransform) sealed()             {}

func (t LookupTransform) Apply(value string, _ RowContext) string {
	key := FoldKey(value)
	for _, k := range t.keys {
		if FoldKey(k) == key {
			return t.Table[k]
		}
	}
	if t.Default != nil {
		return *t.Default
	}
	return value
}

// =============================================================================
// calculation
// =============================================================================

// CalculationTransform computes value*Multiplier + Offset for numeric input.
type CalculationTransform struct {
	Multiplier decimal.Decimal
	Offset     decimal.Decimal
}

func parseCalculation(config json.RawMessage) (CalculationTransform, error) {
	var c struct {
		Multiplier *configString `json:"multiplier"`
		Offset     *configString `json:"offset"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return CalculationTransform{}, err
	}

	t := CalculationTransform{Multiplier: decimal.NewFromInt(1), Offset: decimal.Zero}
	var err error
	if c.Multiplier != nil {
		if t.Multiplier, err = decimal.NewFromString(string(*c.Multiplier)); err != nil {
			return CalculationTransform{}, fmt.Errorf("multiplier: %w", err)
		}
	}
	if c.Offset != nil {
		if t.Offset, err = decimal.NewFromString(string(*c.Offset)); err != nil {
			return CalculationTransform{}, fmt.Errorf("offset: %w", err)
		}
	}
	return t, nil
}

func (t CalculationTransform) Kind() TransformKind { return TransformCalculation }
func (t CalculationTransform) sealed()             {}

func (t CalculationTransform) Apply(value string, _ RowContext) string {
	n, ok := parseNumber(value)
	if !ok {
		return value
	}
	return n.Mul(t.Multiplier).Add(t.Offset).String()
}

// parseNumber reads a plain numeric string. Formatted amounts with
// currency symbols or separators are not numeric here.
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !numericRegex.MatchString(s) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// =============================================================================
// date_format
// =============================================================================

// DateFormatTransform re-renders a date from Input to Output format.
// Formats use d/m/Y tokens (see layoutFor).
type DateFormatTransform struct {
	Input  string
	Output string
}

// dateFallbackFormats are tried in order when the input format does not match.
var dateFallbackFormats = []string{"d.m.Y", "d/m/Y", "d-m-Y", "Y-m-d", "m/d/Y"}

func parseDateFormat(config json.RawMessage) (DateFormatTransform, error) {
	var c struct {
		Input  string `json:"input_format"`
		Output string `json:"output_format"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return DateFormatTransform{}, err
	}
	return DateFormatTransform{
		Input:  firstNonEmpty(c.Input, "d.m.Y"),
		Output: firstNonEmpty(c.Output, "Y-m-d"),
	}, nil
}

func (t DateFormatTransform) Kind() TransformKind { return TransformDateFormat }
func (t DateFormatTransform) sealed()             {}

func (t DateFormatTransform) Apply(value string, _ RowContext) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}
	formats := append([]string{t.Input}, dateFallbackFormats...)
	for _, f := range formats {
		if d, err := ParseDate(f, v); err == nil {
			return FormatDate(t.Output, d)
		}
	}
	return value
}

// =============================================================================
// currency_convert
// =============================================================================

// CurrencyConvertTransform multiplies numeric input by Rate, rounded to cents.
type CurrencyConvertTransform struct {
	From string
	To   string
	Rate decimal.Decimal
}

func parseCurrencyConvert(config json.RawMessage) (CurrencyConvertTransform, error) {
	var c struct {
		From string        `json:"from_currency"`
		To   string        `json:"to_currency"`
		Rate *configString `json:"exchange_rate"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return CurrencyConvertTransform{}, err
	}

	t := CurrencyConvertTransform{From: c.From, To: c.To, Rate: decimal.NewFromInt(1)}
	if c.Rate != nil {
		rate, err := decimal.NewFromString(string(*c.Rate))
		if err != nil {
			return CurrencyConvertTransform{}, fmt.Errorf("exchange_rate: %w", err)
		}
		t.Rate = rate
	}
	return t, nil
}

func (t CurrencyConvertTransform) Kind() TransformKind { return TransformCurrencyConvert }
func (t CurrencyConvertTransform) sealed()             {}

func (t CurrencyConvertTransform) Apply(value string, _ RowContext) string {
	n, ok := parseNumber(value)
	if !ok {
		return value
	}
	return n.Mul(t.Rate).Round(2).StringFixed(2)
}

// =============================================================================
// split
// =============================================================================

// SplitTransform returns one part of the value split on Delimiter.
type SplitTransform struct {
	Delimiter string
	Part      int
}

func parseSplit(config json.RawMessage) (SplitTransform, error) {
	var c struct {
		Delimiter *string `json:"delimiter"`
		Part      int     `json:"part"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return SplitTransform{}, err
	}
	t := SplitTransform{Delimiter: " ", Part: c.Part}
	if c.Delimiter != nil {
		t.Delimiter = *c.Delimiter
	}
	return t, nil
}

func (t SplitTransform) Kind() TransformKind { return TransformSplit }
func (t SplitTransform) sealed()             {}

func (t SplitTransform) Apply(value string, _ RowContext) string {
	if t.Delimiter == "" {
		return value
	}
	parts := strings.Split(value, t.Delimiter)
	if t.Part < 0 || t.Part >= len(parts) {
		return value
	}
	return parts[t.Part]
}

// =============================================================================
// combine
// =============================================================================

// CombineTransform joins the value with other row fields.
type CombineTransform struct {
	Fields    []string
	Separator string
}

func parseCombine(config json.RawMessage) (CombineTransform, error) {
	var c struct {
		Fields    []string `json:"fields"`
		Separator *string  `json:"separator"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return CombineTransform{}, err
	}
	t := CombineTransform{Fields: c.Fields, Separator: " "}
	if c.Separator != nil {
		t.Separator = *c.Separator
	}
	return t, nil
}

func (t CombineTransform) Kind() TransformKind { return TransformCombine }
func (t CombineTransform) sealed()             {}

func (t CombineTransform) Apply(value string, row RowContext) string {
	parts := make([]string, 0, len(t.Fields)+1)
	if value != "" {
		parts = append(parts, value)
	}
	for _, f := range t.Fields {
		if v, ok := row.Get(f); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, t.Separator)
}

// =============================================================================
// conditional
// =============================================================================

// ConditionalCase is one operator/value/result triple of a conditional transform.
type ConditionalCase struct {
	Operator string
	Value    string
	Result   string
}

// ConditionalTransform returns the result of the first matching case, or Default.
type ConditionalTransform struct {
	Cases   []ConditionalCase
	Default *string
}

func parseConditional(config json.RawMessage) (ConditionalTransform, error) {
	var c struct {
		Conditions []struct {
			Operator string        `json:"operator"`
			Value    configString  `json:"value"`
			Result   *configString `json:"result"`
		} `json:"conditions"`
		Default *configString `json:"default"`
	}
	if err := json.Unmarshal(config, &c); err != nil {
		return ConditionalTransform{}, err
	}

	var t ConditionalTransform
	for i, cond := range c.Conditions {
		op := firstNonEmpty(cond.Operator, "=")
		if !validOperator(op) {
			return ConditionalTransform{}, fmt.Errorf("condition %d: unknown operator %q", i, op)
		}
		cc := ConditionalCase{Operator: op, Value: string(cond.Value)}
		if cond.Result != nil {
			cc.Result = string(*cond.Result)
		} else {
			cc.Result = resultPassthrough
		}
		t.Cases = append(t.Cases, cc)
	}
	if c.Default != nil {
		d := string(*c.Default)
		t.Default = &d
	}
	return t, nil
}

// resultPassthrough marks a case without a result; the input value is returned.
const resultPassthrough = "\x00"

func (t ConditionalTransform) Kind() TransformKind { return TransformConditional }
func (t ConditionalTransform) sealed()             {}

func (t ConditionalTransform) Apply(value string, _ RowContext) string {
	for _, c := range t.Cases {
		if EvalOperator(c.Operator, value, c.Value) {
			if c.Result == resultPassthrough {
				return value
			}
			return c.Result
		}
	}
	if t.Default != nil {
		return *t.Default
	}
	return value
}
