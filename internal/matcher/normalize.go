package matcher

import (
	"strings"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

var abbreviations = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"road":      "rd",
	"boulevard": "blvd",
	"drive":     "dr",
	"lane":      "ln",
	"court":     "ct",
	"place":     "pl",
	"terrace":   "ter",
	"parkway":   "pkwy",
	"highway":   "hwy",
	"circle":    "cir",
	"square":    "sq",
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
	"apartment": "apt",
	"suite":     "ste",
}

var punctuation = strings.NewReplacer(".", "", ",", " ", "#", " ")

// NormalizeLine lower-cases s, strips punctuation, collapses whitespace and
// abbreviates street suffixes and directionals.
func NormalizeLine(s string) string {
	s = punctuation.Replace(strings.ToLower(s))
	words := strings.Fields(s)
	for i, w := range words {
		if abbr, ok := abbreviations[w]; ok {
			words[i] = abbr
		}
	}
	return strings.Join(words, " ")
}

// NormalizeAddress returns the equality key used to match listings to
// member addresses. Postal codes compare on their first five characters.
func NormalizeAddress(a domain.PostalAddress) string {
	postal := strings.ToLower(strings.ReplaceAll(a.PostalCode, " ", ""))
	if len(postal) > 5 {
		postal = postal[:5]
	}
	return strings.Join([]string{
		NormalizeLine(a.Line1),
		NormalizeLine(a.Line2),
		NormalizeLine(a.City),
		strings.ToLower(strings.TrimSpace(a.State)),
		postal,
	}, "|")
}
