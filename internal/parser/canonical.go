package parser

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Canonical provider and technology names
const (
	ProviderJio     = "Jio"
	ProviderAirtel  = "Airtel"
	ProviderVi      = "Vi India"
	ProviderBSNL    = "BSNL"
	ProviderUnknown = "Unknown"

	Tech5G      = "5G"
	Tech4G      = "4G"
	Tech3G      = "3G"
	Tech2G      = "2G"
	TechUnknown = "Unknown"
)

// Canonicalizer maps raw provider/technology spellings onto a fixed vocabulary
type Canonicalizer interface {
	Provider(raw string) string
	Technology(raw string) string
}

type providerRule struct {
	canonical string
	tokens    []string
}

// VocabularyCanonicalizer matches raw names by token containment first and
// falls back to edit distance for misspellings. The distance allowed against
// a token is len(token)/3, capped at maxDistance.
type VocabularyCanonicalizer struct {
	providers   []providerRule
	maxDistance int
}

// DefaultCanonicalizer returns the built-in Indian operator vocabulary
func DefaultCanonicalizer() *VocabularyCanonicalizer {
	return &VocabularyCanonicalizer{
		providers: []providerRule{
			{ProviderJio, []string{"jio", "reliance", "rjil"}},
			{ProviderAirtel, []string{"airtel", "bharti"}},
			{ProviderVi, []string{"vodafone", "idea", "vi india", "vil", "vi"}},
			{ProviderBSNL, []string{"bsnl", "cellone", "mtnl"}},
		},
		maxDistance: 2,
	}
}

// Provider normalizes an operator name. Empty input stays empty.
func (c *VocabularyCanonicalizer) Provider(raw string) string {
	name := cleanName(raw)
	if name == "" {
		return ""
	}
	words := strings.Fields(name)

	for _, rule := range c.providers {
		for _, tok := range rule.tokens {
			if strings.Contains(tok, " ") {
				if strings.Contains(name, tok) {
					return rule.canonical
				}
				continue
			}
			// Short tokens must match a whole word ("vi" inside "vivo" is not Vi)
			if len(tok) <= 3 {
				for _, w := range words {
					if w == tok {
						return rule.canonical
					}
				}
				continue
			}
			if strings.Contains(name, tok) {
				return rule.canonical
			}
		}
	}

	best, bestDist := "", c.maxDistance+1
	for _, rule := range c.providers {
		for _, tok := range rule.tokens {
			if len(tok) <= 3 {
				continue
			}
			limit := min(len(tok)/3, c.maxDistance)
			for _, w := range words {
				if d := levenshtein.ComputeDistance(w, tok); d <= limit && d < bestDist {
					best, bestDist = rule.canonical, d
				}
			}
		}
	}
	if best != "" {
		return best
	}
	return ProviderUnknown
}

// Technology normalizes a radio access technology label
func (c *VocabularyCanonicalizer) Technology(raw string) string {
	name := cleanName(raw)
	if name == "" {
		return ""
	}
	compact := strings.ReplaceAll(name, " ", "")

	switch {
	case strings.Contains(compact, "5g"), strings.HasPrefix(compact, "nr"), strings.Contains(compact, "nsa"),
		strings.Contains(compact, "endc"):
		return Tech5G
	case strings.Contains(compact, "4g"), strings.Contains(compact, "lte"):
		return Tech4G
	case strings.Contains(compact, "3g"), strings.Contains(compact, "wcdma"), strings.Contains(compact, "umts"),
		strings.Contains(compact, "hspa"), strings.Contains(compact, "hsdpa"):
		return Tech3G
	case strings.Contains(compact, "2g"), strings.Contains(compact, "gsm"), strings.Contains(compact, "edge"),
		strings.Contains(compact, "gprs"):
		return Tech2G
	}
	return TechUnknown
}

func cleanName(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
