package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTransform(t *testing.T, kind TransformKind, config string) Transform {
	t.Helper()
	tr, err := ParseTransform(kind, json.RawMessage(config))
	require.NoError(t, err)
	require.Equal(t, kind, tr.Kind())
	return tr
}

func TestParseTransform_Errors(t *testing.T) {
	tests := []struct {
		name   string
		kind   TransformKind
		config string
	}{
		{"unknown kind", TransformKind("uppercase"), `{}`},
		{"bad regex", TransformRegex, `{"pattern":"("}`},
		{"bad multiplier", TransformCalculation, `{"multiplier":"x"}`},
		{"bad offset", TransformCalculation, `{"offset":"1..2"}`},
		{"bad rate", TransformCurrencyConvert, `{"exchange_rate":"rate"}`},
		{"bad operator", TransformConditional, `{"conditions":[{"operator":"~","value":"1"}]}`},
		{"object where scalar expected", TransformLookup, `{"lookup_table":{"a":{"b":"c"}}}`},
		{"malformed json", TransformSplit, `{"part":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTransform(tt.kind, json.RawMessage(tt.config))
			assert.Error(t, err)
		})
	}
}

func TestParseTransform_EmptyConfigTakesDefaults(t *testing.T) {
	for _, kind := range TransformKinds {
		for _, config := range []string{"", "null", "{}"} {
			_, err := ParseTransform(kind, json.RawMessage(config))
			assert.NoError(t, err, "%s with %q", kind, config)
		}
	}
}

func TestTransformKind_Valid(t *testing.T) {
	assert.Len(t, TransformKinds, 9)
	for _, k := range TransformKinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, TransformKind("").Valid())
	assert.False(t, TransformKind("DIRECT").Valid())
}

func TestTransforms_Apply(t *testing.T) {
	row := RowContext{"Last_Name": "Петровски", "city": "Скопје", "empty": ""}

	tests := []struct {
		name   string
		kind   TransformKind
		config string
		input  string
		want   string
	}{
		// direct
		{"direct", TransformDirect, `{}`, "Acme Д.О.О.", "Acme Д.О.О."},

		// regex
		{"regex default replacement", TransformRegex, `{"pattern":"^MK(\\d+)$"}`, "MK4030000000", "4030000000"},
		{"regex case insensitive", TransformRegex, `{"pattern":"^MK(\\d+)$"}`, "mk4030", "4030"},
		{"regex no match", TransformRegex, `{"pattern":"^MK(\\d+)$"}`, "DE123", "DE123"},
		{"regex backslash backrefs", TransformRegex, `{"pattern":"(\\w+)@(\\w+)","replacement":"\\2:\\1"}`, "user@host", "host:user"},
		{"regex literal replacement", TransformRegex, `{"pattern":"\\s+","replacement":" "}`, "a   b", "a b"},
		{"regex empty pattern", TransformRegex, `{}`, "keep", "keep"},

		// lookup
		{"lookup case insensitive", TransformLookup, `{"lookup_table":{"Платена":"PAID"}}`, "ПЛАТЕНА", "PAID"},
		{"lookup default", TransformLookup, `{"lookup_table":{"a":"1"},"default_value":"UNKNOWN"}`, "b", "UNKNOWN"},
		{"lookup passthrough", TransformLookup, `{"lookup_table":{"a":"1"}}`, "b", "b"},
		{"lookup numeric values", TransformLookup, `{"lookup_table":{"1":2}}`, "1", "2"},

		// calculation
		{"calculation multiplier", TransformCalculation, `{"multiplier":1.18}`, "1000", "1180"},
		{"calculation offset", TransformCalculation, `{"multiplier":"2","offset":"-1"}`, "5", "9"},
		{"calculation default identity", TransformCalculation, `{}`, "12.5", "12.5"},
		{"calculation non numeric", TransformCalculation, `{"multiplier":2}`, "abc", "abc"},
		{"calculation formatted amount untouched", TransformCalculation, `{"multiplier":2}`, "1.234,50", "1.234,50"},

		// date_format
		{"date default formats", TransformDateFormat, `{}`, "15.01.2024", "2024-01-15"},
		{"date unpadded", TransformDateFormat, `{}`, "5.1.2024", "2024-01-05"},
		{"date falls back to iso", TransformDateFormat, `{"input_format":"d.m.Y"}`, "2024-01-15", "2024-01-15"},
		{"date falls back to slashes", TransformDateFormat, `{}`, "15/01/2024", "2024-01-15"},
		{"date falls back to us", TransformDateFormat, `{}`, "01/15/2024", "2024-01-15"},
		{"date custom output", TransformDateFormat, `{"input_format":"Y-m-d","output_format":"d/m/Y"}`, "2024-01-15", "15/01/2024"},
		{"date unparseable", TransformDateFormat, `{}`, "soon", "soon"},
		{"date empty", TransformDateFormat, `{}`, "", ""},

		// currency_convert
		{"currency rate", TransformCurrencyConvert, `{"exchange_rate":"61.5"}`, "100", "6150.00"},
		{"currency fractional rate", TransformCurrencyConvert, `{"exchange_rate":0.016}`, "1000", "16.00"},
		{"currency default rate", TransformCurrencyConvert, `{}`, "12.3", "12.30"},
		{"currency rounds to cents", TransformCurrencyConvert, `{"exchange_rate":"0.333"}`, "10", "3.33"},
		{"currency non numeric", TransformCurrencyConvert, `{"exchange_rate":2}`, "n/a", "n/a"},

		// split
		{"split part", TransformSplit, `{"delimiter":",","part":1}`, "a,b,c", "b"},
		{"split default delimiter", TransformSplit, `{}`, "John Smith", "John"},
		{"split address", TransformSplit, `{"delimiter":",","part":0}`, "Партизанска 12, Скопје", "Партизанска 12"},
		{"split out of range", TransformSplit, `{"delimiter":",","part":5}`, "a,b", "a,b"},
		{"split negative part", TransformSplit, `{"delimiter":",","part":-1}`, "a,b", "a,b"},
		{"split empty delimiter", TransformSplit, `{"delimiter":""}`, "a b", "a b"},

		// combine
		{"combine", TransformCombine, `{"fields":["last_name"]}`, "Марко", "Марко Петровски"},
		{"combine separator", TransformCombine, `{"fields":["city"],"separator":", "}`, "Партизанска 12", "Партизанска 12, Скопје"},
		{"combine skips empty parts", TransformCombine, `{"fields":["empty","missing","city"],"separator":"|"}`, "", "Скопје"},

		// conditional
		{"conditional numeric", TransformConditional, `{"conditions":[{"operator":">","value":1000,"result":"large"}],"default":"normal"}`, "1500", "large"},
		{"conditional default", TransformConditional, `{"conditions":[{"operator":">","value":1000,"result":"large"}],"default":"normal"}`, "10", "normal"},
		{"conditional first match wins", TransformConditional, `{"conditions":[{"operator":"contains","value":"refund","result":"R"},{"operator":"contains","value":"#","result":"H"}]}`, "Refund #3", "R"},
		{"conditional passthrough result", TransformConditional, `{"conditions":[{"operator":"!=","value":""}],"default":"EMPTY"}`, "x", "x"},
		{"conditional empty input", TransformConditional, `{"conditions":[{"operator":"!=","value":""}],"default":"EMPTY"}`, "", "EMPTY"},
		{"conditional no default", TransformConditional, `{"conditions":[{"value":"a","result":"b"}]}`, "z", "z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := mustTransform(t, tt.kind, tt.config)
			assert.Equal(t, tt.want, tr.Apply(tt.input, row))
		})
	}
}

func TestTransforms_Deterministic(t *testing.T) {
	tr := mustTransform(t, TransformLookup, `{"lookup_table":{"a":"1","A":"2","b":"3"}}`)
	first := tr.Apply("a", nil)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, tr.Apply("a", nil))
	}
}

func TestRowContext_Get(t *testing.T) {
	row := RowContext{"Датум": "15.01.2024", "Total": "10"}

	v, ok := row.Get("датум")
	assert.True(t, ok)
	assert.Equal(t, "15.01.2024", v)

	v, ok = row.Get("Total")
	assert.True(t, ok)
	assert.Equal(t, "10", v)

	_, ok = row.Get("missing")
	assert.False(t, ok)
}

func TestEvalOperator(t *testing.T) {
	tests := []struct {
		op, actual, expected string
		want                 bool
	}{
		{"=", "10", "10.0", true},
		{"==", "abc", "abc", true},
		{"=", "a", "A", false},
		{"!=", "a", "b", true},
		{">", "9", "10", false},
		{">", "b", "a", true},
		{"<", "-5", "2", true},
		{">=", "3", "3", true},
		{"<=", "4", "3", false},
		{"contains", "Refund #3", "REFUND", true},
		{"contains", "payment", "refund", false},
		{"regex", "12345", `^\d+$`, true},
		{"regex", "12a", `^\d+$`, false},
		{"regex", "x", "(", false},
		{"~", "a", "a", false},
	}

	for _, tt := range tests {
		if got := EvalOperator(tt.op, tt.actual, tt.expected); got != tt.want {
			t.Errorf("EvalOperator(%q, %q, %q) = %v, want %v", tt.op, tt.actual, tt.expected, got, tt.want)
		}
	}
}
