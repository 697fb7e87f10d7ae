package clean

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/dnl0037/db-migrations/internal/model"
)

// RuleError is a field rule failure carrying its stable reason code.
type RuleError struct {
	Code   string
	Detail string
}

func (e *RuleError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func malformed(format string, args ...any) *RuleError {
	return &RuleError{Code: model.CodeMalformed, Detail: fmt.Sprintf(format, args...)}
}

func outOfDomain(format string, args ...any) *RuleError {
	return &RuleError{Code: model.CodeOutOfDomain, Detail: fmt.Sprintf(format, args...)}
}

// Rule transforms a present field value or rejects it.
type Rule func(string) (string, error)

// Apply runs rules in order, stopping at the first failure.
func Apply(s string, rules ...Rule) (string, error) {
	var err error
	for _, r := range rules {
		if s, err = r(s); err != nil {
			return "", err
		}
	}
	return s, nil
}

func Trim(s string) (string, error) { return strings.TrimSpace(s), nil }

// CollapseSpace trims and reduces internal whitespace runs to one space.
func CollapseSpace(s string) (string, error) { return strings.Join(strings.Fields(s), " "), nil }

func Lower(s string) (string, error) { return strings.ToLower(s), nil }

// NFC composes the string so visually equal names compare equal.
func NFC(s string) (string, error) { return norm.NFC.String(s), nil }

var (
	upper = cases.Upper(language.Und)
	lower = cases.Lower(language.Und)
)

// Capitalize upper-cases the first letter and lower-cases the rest.
func Capitalize(s string) (string, error) {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s, nil
	}
	return upper.String(s[:size]) + lower.String(s[size:]), nil
}

// Email accepts a bare address whose domain has at least one dot.
func Email(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", malformed("invalid email %q", s)
	}
	at := strings.LastIndexByte(s, '@')
	if at < 1 || !strings.Contains(s[at+1:], ".") {
		return "", malformed("invalid email domain %q", s)
	}
	return s, nil
}

// MaxLen rejects values longer than n characters.
func MaxLen(n int) Rule {
	return func(s string) (string, error) {
		if utf8.RuneCountInString(s) > n {
			return "", outOfDomain("longer than %d characters", n)
		}
		return s, nil
	}
}

// Truncate cuts values to at most n characters.
func Truncate(n int) Rule {
	return func(s string) (string, error) {
		if utf8.RuneCountInString(s) <= n {
			return s, nil
		}
		return string([]rune(s)[:n]), nil
	}
}

// ParseDate tries each layout in order; naive values are taken as UTC.
func ParseDate(s string, layouts []string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, malformed("date %q matches none of %d layouts", s, len(layouts))
}

var priceNumber = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParsePrice strips currency symbols and codes, takes the first number of a
// range, and rounds to cents. Negative prices are out of domain.
func ParsePrice(s string) (decimal.Decimal, error) {
	m := priceNumber.FindString(strings.ReplaceAll(s, ",", ""))
	if m == "" {
		return decimal.Decimal{}, malformed("no number in price %q", s)
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return decimal.Decimal{}, malformed("price %q: %v", s, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, outOfDomain("negative price %s", d)
	}
	return d.Round(2), nil
}

// ParseQuantity converts a raw quantity to a positive integer.
func ParseQuantity(s string) (int, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, malformed("quantity %q is not an integer", s)
	}
	if f <= 0 {
		return 0, outOfDomain("quantity %d must be positive", int64(f))
	}
	return int(f), nil
}

var statusMap = map[string]model.OrderStatus{
	"pending":     model.StatusPending,
	"processing":  model.StatusPending,
	"shipped":     model.StatusShipped,
	"enviado":     model.StatusShipped,
	"delivered":   model.StatusDelivered,
	"entregado":   model.StatusDelivered,
	"cancelled":   model.StatusCancelled,
	"canceled":    model.StatusCancelled,
	"cancelado":   model.StatusCancelled,
	"refunded":    model.StatusRefunded,
	"reembolsado": model.StatusRefunded,
}

// MapStatus maps free-text status case-insensitively. ok is false when the
// text is unknown and the default was used.
func MapStatus(s string) (model.OrderStatus, bool) {
	st, ok := statusMap[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return model.StatusPending, false
	}
	return st, true
}
