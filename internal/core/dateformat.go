package core

import (
	"fmt"
	"strings"
	"time"
)

// Date formats in mapping rules use the d/m/Y token style common in the
// source systems we import from:
//
//	d  day, 2 digits        j  day, no padding
//	m  month, 2 digits      n  month, no padding
//	Y  year, 4 digits       y  year, 2 digits
//	H  hour, 24h 2 digits   G  hour, 24h no padding
//	i  minutes              s  seconds
//	M  Jan                  F  January
//	D  Mon                  l  Monday
//	A  AM/PM                a  am/pm
//
// A backslash escapes the next character. Any other character is literal.

// ParseDate parses value using a d/m/Y style format. Day and month tokens
// accept values with or without a leading zero.
func ParseDate(format, value string) (time.Time, error) {
	layout, err := layoutFor(format, true)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(layout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q for format %q: %w", value, format, err)
	}
	return t, nil
}

// FormatDate renders t using a d/m/Y style format.
func FormatDate(format string, t time.Time) string {
	layout, err := layoutFor(format, false)
	if err != nil {
		return t.Format("2006-01-02")
	}
	return t.Format(layout)
}

// layoutFor translates a d/m/Y format into a Go reference layout.
// In lenient mode padded day and month tokens parse unpadded input too.
func layoutFor(format string, lenient bool) (string, error) {
	if format == "" {
		return "", fmt.Errorf("empty date format")
	}

	var b strings.Builder
	escaped := false
	for _, r := range format {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case 'd':
			if lenient {
				b.WriteString("2")
			} else {
				b.WriteString("02")
			}
		case 'j':
			b.WriteString("2")
		case 'm':
			if lenient {
				b.WriteString("1")
			} else {
				b.WriteString("01")
			}
		case 'n':
			b.WriteString("1")
		case 'Y':
			b.WriteString("2006")
		case 'y':
			b.WriteString("06")
		case 'H':
			b.WriteString("15")
		case 'G':
			b.WriteString("15")
		case 'i':
			b.WriteString("04")
		case 's':
			b.WriteString("05")
		case 'M':
			b.WriteString("Jan")
		case 'F':
			b.WriteString("January")
		case 'D':
			b.WriteString("Mon")
		case 'l':
			b.WriteString("Monday")
		case 'A':
			b.WriteString("PM")
		case 'a':
			b.WriteString("pm")
		default:
			if r >= '0' && r <= '9' {
				return "", fmt.Errorf("date format %q: digits are reserved", format)
			}
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}
