package core

import (
	"reflect"
	"testing"
)

func TestFoldKey(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "ascii case", a: "Email", b: "EMAIL", want: true},
		{name: "cyrillic case", a: "Датум", b: "датум", want: true},
		{name: "surrounding whitespace", a: "  name ", b: "name", want: true},
		{name: "composed and decomposed", a: "caf\u00e9", b: "cafe\u0301", want: true},
		{name: "different words", a: "date", b: "датум", want: false},
		{name: "inner whitespace matters", a: "tax id", b: "taxid", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FoldKey(tt.a) == FoldKey(tt.b); got != tt.want {
				t.Errorf("FoldKey(%q) == FoldKey(%q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if got := EqualFold(tt.a, tt.b); got != tt.want {
				t.Errorf("EqualFold(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestContainsFold(t *testing.T) {
	tests := []struct {
		s, substr string
		want      bool
	}{
		{"Invoice Number", "NUMBER", true},
		{"Датум на фактура", "ФАКТУРА", true},
		{"total", "", true},
		{"total", "sum", false},
	}

	for _, tt := range tests {
		if got := ContainsFold(tt.s, tt.substr); got != tt.want {
			t.Errorf("ContainsFold(%q, %q) = %v, want %v", tt.s, tt.substr, got, tt.want)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	got := sortedKeys(map[string]int{"b": 2, "a": 1, "Датум": 3})
	want := []string{"a", "b", "Датум"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sortedKeys = %v, want %v", got, want)
	}
	if got := sortedKeys(map[string]int{}); len(got) != 0 {
		t.Errorf("sortedKeys(empty) = %v, want empty", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"", "  ", "x", "y"}, "x"},
		{[]string{"a"}, "a"},
		{[]string{"", " "}, ""},
		{nil, ""},
	}

	for _, tt := range tests {
		if got := firstNonEmpty(tt.in...); got != tt.want {
			t.Errorf("firstNonEmpty(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
