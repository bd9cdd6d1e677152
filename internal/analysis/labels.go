package analysis

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var genderAliases = map[string]string{
	"m":      "Male",
	"man":    "Male",
	"male":   "Male",
	"f":      "Female",
	"woman":  "Female",
	"female": "Female",
}

// title returns s in English title case. Casers keep state, so each call
// builds its own.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// NormalizeGender maps classifier and model spellings onto "Male" or
// "Female". Any other non-empty label is title-cased and kept.
func NormalizeGender(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	if canonical, ok := genderAliases[key]; ok {
		return canonical
	}
	return title(key)
}

// NormalizeAgeLabel turns bracket spellings such as "20 - 29" or "20_29" into
// "20-29". Single ages and open brackets like "70+" pass through.
func NormalizeAgeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.NewReplacer(" ", "", "_", "-", "–", "-").Replace(s)
	var lo, hi int
	if n, err := fmt.Sscanf(s, "%d-%d", &lo, &hi); err == nil && n == 2 {
		return fmt.Sprintf("%d-%d", lo, hi)
	}
	if s == "" {
		return ""
	}
	return title(s)
}

// Normalize canonicalizes both labels in place and validates the result.
func (r *AgeGenderResult) Normalize() error {
	if r == nil {
		return r.Validate()
	}
	r.Age.Label = NormalizeAgeLabel(r.Age.Label)
	r.Gender.Label = NormalizeGender(r.Gender.Label)
	return r.Validate()
}
