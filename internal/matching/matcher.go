// Package matching resolves a candidate supplier or customer name against a
// snapshot of the registry.
package matching

import (
	"cmp"
	"slices"
	"strings"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
)

// Method is the rule that produced a match.
type Method string

const (
	MethodExact     Method = "exact"
	MethodTaxID     Method = "tax_id"
	MethodSubstring Method = "substring"
	MethodKeyword   Method = "keyword"
	MethodNone      Method = "none"
)

const (
	confidenceExact     = 1.0
	confidenceTaxID     = 0.95
	confidenceSubstring = 0.8
	confidenceKeyword   = 0.6

	// minContainedLen keeps one- and two-letter names from substring-matching
	// half the registry.
	minContainedLen = 3
	minSharedTokens = 2
)

// MatchResult is the outcome of Match. EntityID is empty when Method is none.
type MatchResult struct {
	EntityID   string  `json:"matchedEntityId,omitempty"`
	Method     Method  `json:"method"`
	Confidence float64 `json:"confidence"`
}

// Matched reports whether an existing entity was found.
func (m MatchResult) Matched() bool {
	return m.Method != MethodNone && m.EntityID != ""
}

var noMatch = MatchResult{Method: MethodNone}

// Match finds the best registry entry for a candidate name and optional tax
// id. Rules are tried in strict priority order and the first hit wins:
// exact normalized name, tax id contained in the candidate, bidirectional
// name containment, then at least two shared keywords.
//
// Within a rule the oldest entity wins, ties broken by lowest id, so the
// result never depends on the order of the snapshot. Match has no side
// effects; an empty name never matches.
func Match(name, taxID string, registry []models.Entity) MatchResult {
	candidate := Normalize(name)
	if candidate == "" {
		return noMatch
	}

	ordered := slices.Clone(registry)
	slices.SortStableFunc(ordered, func(a, b models.Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	names := make([]string, len(ordered))
	for i := range ordered {
		names[i] = ordered[i].NormalizedName
		if names[i] == "" {
			names[i] = Normalize(ordered[i].Name)
		}
	}

	for i := range ordered {
		if names[i] == candidate {
			return MatchResult{EntityID: ordered[i].ID, Method: MethodExact, Confidence: confidenceExact}
		}
	}

	haystack := models.NormalizeTaxID(taxID) + " " + models.NormalizeTaxID(name)
	for i := range ordered {
		tax := models.NormalizeTaxID(ordered[i].TaxID)
		if tax != "" && strings.Contains(haystack, tax) {
			return MatchResult{EntityID: ordered[i].ID, Method: MethodTaxID, Confidence: confidenceTaxID}
		}
	}

	for i := range ordered {
		if Overlaps(candidate, names[i]) {
			return MatchResult{EntityID: ordered[i].ID, Method: MethodSubstring, Confidence: confidenceSubstring}
		}
	}

	candidateTokens := keywords(candidate)
	if len(candidateTokens) >= minSharedTokens {
		for i := range ordered {
			if sharedTokens(candidateTokens, keywords(names[i])) >= minSharedTokens {
				return MatchResult{EntityID: ordered[i].ID, Method: MethodKeyword, Confidence: confidenceKeyword}
			}
		}
	}

	return noMatch
}

// Overlaps reports whether either normalized name contains the other. The
// contained name must be at least minContainedLen runes long.
func Overlaps(a, b string) bool {
	return contains(a, b) || contains(b, a)
}

func contains(s, sub string) bool {
	return len([]rune(sub)) >= minContainedLen && strings.Contains(s, sub)
}

func sharedTokens(a, b map[string]struct{}) int {
	n := 0
	for tok := range b {
		if _, ok := a[tok]; ok {
			n++
		}
	}
	return n
}
