package clean

import (
	"regexp"
	"strings"

	"github.com/dnl0037/db-migrations/internal/model"
)

var (
	zipPattern   = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)
	statePattern = regexp.MustCompile(`\b[A-Z]{2}\b`)
)

// ParseAddress splits "street, city, [state] zip[, country...]" into parts.
// The third part must carry a ZIP code; the state is whatever remains of it.
func ParseAddress(s, defaultCountry string) (*model.ParsedAddress, error) {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 3 {
		return nil, &RuleError{Code: model.CodeUnparseable, Detail: "expected street, city, state and zip"}
	}

	zip := zipPattern.FindString(parts[2])
	if zip == "" {
		return nil, &RuleError{Code: model.CodeUnparseable, Detail: "no zip code in " + parts[2]}
	}

	a := &model.ParsedAddress{
		Street:  truncate(parts[0], 255),
		City:    truncate(parts[1], 100),
		ZipCode: zip,
		Country: defaultCountry,
	}
	rest := strings.TrimSpace(strings.Replace(parts[2], zip, "", 1))
	if code := statePattern.FindString(rest); code != "" {
		a.State = &code
	} else if rest != "" {
		st := truncate(rest, 100)
		a.State = &st
	}
	if len(parts) > 3 {
		a.Country = truncate(strings.Join(parts[3:], ", "), 100)
	}
	return a, nil
}

func truncate(s string, n int) string {
	out, _ := Truncate(n)(s)
	return out
}
