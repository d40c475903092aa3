// Package display turns merged entities into a presentation view: locale
// variants of type names are canonicalized, near-adjacent spans of the same
// canonical type are merged, each finding gets a context snippet, and the
// masked preview is repaired.
//
// Nothing here feeds back into detection or redaction; the view is derived
// from the pipeline output only.
package display

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	maxExplanation = 120
	contextWindow  = 40
	mergeDistance  = 2
	ellipsis       = "…"
)

// synonyms maps case-folded locale labels to canonical tags.
var synonyms = foldKeys(map[string]string{
	"ad soyad":      "PERSON",
	"adsoyad":       "PERSON",
	"ad_soyad":      "PERSON",
	"full name":     "PERSON",
	"doğum tarihi":  "DATE",
	"dogum tarihi":  "DATE",
	"date of birth": "DATE",
	"adres":         "ADDRESS",
	"address":       "ADDRESS",
})

// labels maps canonical tags to human-readable labels.
var labels = map[string]string{
	"PERSON":        "Name",
	"EMAIL_ADDRESS": "Email",
	"PHONE_NUMBER":  "Phone Number",
	"CREDIT_CARD":   "Credit Card",
	"IBAN":          "IBAN",
	"LOCATION":      "Location",
	"ADDRESS":       "Address",
	"DATE":          "Date of Birth",
	"DATE_TIME":     "Date / Time",
	"ORGANIZATION":  "Organization",
	"NATIONALID":    "National ID",
}

func foldKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[fold(k)] = v
	}
	return out
}

// fold is a Unicode case fold. Casers are not goroutine-safe, so each call
// builds its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func title(s string) string {
	return cases.Title(language.Und).String(s)
}

// CanonicalType maps a raw entity type to its locale-independent tag.
// Unmapped types are trimmed and upper-cased, so canonical tags map to
// themselves.
func CanonicalType(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if canonical, ok := synonyms[fold(trimmed)]; ok {
		return canonical
	}
	return strings.ToUpper(trimmed)
}

// Label returns the human-readable label for a canonical tag, deriving one
// from raw (or the tag itself) when the tag is not in the table.
func Label(canonical, raw string) string {
	if l, ok := labels[canonical]; ok {
		return l
	}
	if raw != "" {
		return title(strings.ReplaceAll(raw, "_", " "))
	}
	return title(canonical)
}

// Origin says which recognition pathway produced a finding.
type Origin string

// Origins.
const (
	OriginDeterministic Origin = "deterministic"
	OriginFallback      Origin = "fallback"
	OriginUnknown       Origin = "unknown"
)

// NormalizeOrigin maps a free-form source tag to an Origin.
func NormalizeOrigin(source string) Origin {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "presidio", "deterministic":
		return OriginDeterministic
	case "llm", "fallback":
		return OriginFallback
	}
	return OriginUnknown
}

// Label is the presentation name of the origin.
func (o Origin) Label() string {
	switch o {
	case OriginDeterministic:
		return "Presidio"
	case OriginFallback:
		return "LLM"
	}
	return "Unknown"
}

// TruncateExplanation cuts explanations longer than 120 characters to 119
// characters, trims trailing whitespace, and appends an ellipsis.
func TruncateExplanation(s string) string {
	runes := []rune(s)
	if len(runes) <= maxExplanation {
		return s
	}
	return strings.TrimRightFunc(string(runes[:maxExplanation-1]), unicode.IsSpace) + ellipsis
}
