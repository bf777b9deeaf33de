package entities

import (
	"strings"
	"unicode"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// Countries maps country names, in English and Macedonian, to ISO 3166 alpha-2 codes.
var Countries = map[string]string{
	"north macedonia":    "MK",
	"macedonia":          "MK",
	"македонија":         "MK",
	"северна македонија": "MK",

	"albania":  "AL",
	"албанија": "AL",

	"serbia": "RS",
	"србија": "RS",

	"bulgaria": "BG",
	"бугарија": "BG",

	"greece": "GR",
	"грција": "GR",

	"kosovo": "XK",
	"косово": "XK",

	"montenegro": "ME",
	"црна гора":  "ME",

	"croatia":  "HR",
	"хрватска": "HR",

	"slovenia":  "SI",
	"словенија": "SI",

	"bosnia and herzegovina": "BA",
	"босна и херцеговина":    "BA",

	"turkey":  "TR",
	"турција": "TR",

	"germany":   "DE",
	"германија": "DE",

	"austria":  "AT",
	"австрија": "AT",

	"switzerland": "CH",
	"швајцарија":  "CH",

	"italy":   "IT",
	"италија": "IT",

	"france":   "FR",
	"франција": "FR",

	"netherlands": "NL",
	"холандија":   "NL",

	"united kingdom":   "GB",
	"велика британија": "GB",

	"united states": "US",
	"сад":           "US",
}

// NormalizeCountry converts country names to their 2-letter codes.
// If the input is already a code or not recognized, returns it trimmed.
func NormalizeCountry(s string) string {
	s = strings.TrimSpace(s)

	if code, ok := Countries[core.FoldKey(s)]; ok {
		return code
	}

	upper := strings.ToUpper(s)
	for _, code := range Countries {
		if upper == code {
			return code
		}
	}
	return s
}

// NormalizeEmail lowercases and trims an e-mail address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeCurrencyCode uppercases a currency code and maps local spellings.
func NormalizeCurrencyCode(s string) string {
	s = strings.TrimSpace(s)
	switch core.FoldKey(s) {
	case "ден", "ден.", "денар", "денари", "mkd":
		return "MKD"
	case "€", "евро", "eur":
		return "EUR"
	case "$", "usd":
		return "USD"
	}
	return strings.ToUpper(s)
}

// NormalizeTaxID removes spaces and separators and uppercases a tax id.
// The Macedonian "MK" prefix is kept.
func NormalizeTaxID(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// NormalizePhone keeps digits and a leading plus sign.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}

// NormalizePaidStatus maps paid status spellings to the canonical enum.
func NormalizePaidStatus(s string) string {
	switch core.FoldKey(s) {
	case "paid", "платено", "платена", "yes", "да":
		return "PAID"
	case "partially paid", "partially_paid", "partial", "делумно платено":
		return "PARTIALLY_PAID"
	case "unpaid", "неплатено", "неплатена", "no", "не", "":
		return "UNPAID"
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
