package entities

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// Business rules skip empty or unparseable values; the field specs report
// those.

var (
	// totalTolerance is the rounding slack allowed when totals are cross-checked.
	totalTolerance = decimal.RequireFromString("0.01")
	// maxItemPrice is the highest item price, in denars, accepted as plausible.
	maxItemPrice = decimal.NewFromInt(1_000_000)

	macedonianPhone = regexp.MustCompile(`^(\+3897[012]\d{6}|07[012]\d{6}|\+3892\d{7}|02\d{7})$`)
	nonDigits       = regexp.MustCompile(`\D`)
)

func violation(field, value, format string, args ...any) []core.ValidationError {
	return []core.ValidationError{{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}}
}

// NotInFuture rejects a date after the day of now.
func NotInFuture(field, label string) core.BusinessRule {
	return func(rec *core.StagingRecord, now time.Time) []core.ValidationError {
		value := strings.TrimSpace(rec.Value(field))
		d, ok := core.ParseDateValue(value)
		if !ok {
			return nil
		}
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if d.After(today) {
			return violation(field, value, "%s cannot be in the future", label)
		}
		return nil
	}
}

// NotBefore rejects a date in field that is earlier than the date in other.
func NotBefore(field, other string) core.BusinessRule {
	return func(rec *core.StagingRecord, _ time.Time) []core.ValidationError {
		value := strings.TrimSpace(rec.Value(field))
		d, ok := core.ParseDateValue(value)
		if !ok {
			return nil
		}
		ref, ok := core.ParseDateValue(rec.Value(other))
		if !ok {
			return nil
		}
		if d.Before(ref) {
			return violation(field, value, "%s must not be before %s", field, other)
		}
		return nil
	}
}

// InvoiceTotalMatches checks total = sub_total - discount + tax within
// totalTolerance. It runs only when sub_total, tax and total are all given.
func InvoiceTotalMatches(rec *core.StagingRecord, _ time.Time) []core.ValidationError {
	value := strings.TrimSpace(rec.Value("total"))
	total, ok := core.ParseAmount(value)
	if !ok {
		return nil
	}
	subTotal, ok := core.ParseAmount(rec.Value("sub_total"))
	if !ok {
		return nil
	}
	tax, ok := core.ParseAmount(rec.Value("tax"))
	if !ok {
		return nil
	}
	want := subTotal.Add(tax)
	if discount, ok := core.ParseAmount(rec.Value("discount")); ok {
		want = want.Sub(discount)
	}
	if total.Sub(want).Abs().GreaterThan(totalTolerance) {
		return violation("total", value, "total does not match sub_total + tax (expected %s)", want.StringFixed(2))
	}
	return nil
}

// MacedonianTaxID requires 13 digits once separators and the country prefix
// are removed.
func MacedonianTaxID(rec *core.StagingRecord, _ time.Time) []core.ValidationError {
	value := strings.TrimSpace(rec.Value("tax_id"))
	if value == "" {
		return nil
	}
	if digits := nonDigits.ReplaceAllString(value, ""); len(digits) != 13 {
		return violation("tax_id", value, "invalid Macedonian tax ID (EMBS) format: 13 digits expected, got %d", len(digits))
	}
	return nil
}

// MacedonianPhone accepts 070/071/072 mobile and 02 Skopje landline numbers,
// with or without the +389 prefix.
func MacedonianPhone(rec *core.StagingRecord, _ time.Time) []core.ValidationError {
	value := strings.TrimSpace(rec.Value("phone"))
	if value == "" {
		return nil
	}
	if !macedonianPhone.MatchString(NormalizePhone(value)) {
		return violation("phone", value, "invalid Macedonian phone number format")
	}
	return nil
}

// PlausiblePrice rejects item prices above maxItemPrice.
func PlausiblePrice(rec *core.StagingRecord, _ time.Time) []core.ValidationError {
	value := strings.TrimSpace(rec.Value("price"))
	price, ok := core.ParseAmount(value)
	if !ok {
		return nil
	}
	if price.GreaterThan(maxItemPrice) {
		return violation("price", value, "item price above %s seems unreasonably high", maxItemPrice)
	}
	return nil
}
