package discovery

import (
	"strings"
	"time"
	"unicode"
)

// Scoring weights. Overlap dominates; the id boost separates purpose-built
// capabilities from ones that merely mention a query word in prose; the
// recency term only moves near-ties.
const (
	idTokenBoost  = 0.25
	localBoost    = 0.05
	recencyWeight = 0.01
	recencyWindow = 30 * 24 * time.Hour
)

// scoreCandidate rates how well a candidate answers the query. The base is
// normalized token overlap between the query and the manifest's id, name,
// and description.
func scoreCandidate(query string, cand Candidate, now time.Time) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}

	m := cand.Manifest
	docTokens := make(map[string]bool)
	for _, t := range tokenize(m.ID + " " + m.Name + " " + m.Description) {
		docTokens[t] = true
	}
	idTokens := make(map[string]bool)
	for _, t := range tokenize(m.ID) {
		idTokens[t] = true
	}

	var overlap, idHits int
	for _, t := range queryTokens {
		if docTokens[t] {
			overlap++
		}
		if idTokens[t] {
			idHits++
		}
	}

	score := float64(overlap) / float64(len(queryTokens))
	score += idTokenBoost * float64(idHits) / float64(len(queryTokens))
	if cand.Local {
		score += localBoost
	}

	// Recency: a manifest registered within the window gets a small nudge
	// proportional to how fresh it is.
	if age := now.Sub(m.RegisteredAt); age >= 0 && age < recencyWindow {
		score += recencyWeight * (1 - float64(age)/float64(recencyWindow))
	}
	return score
}

// tokenize lowercases and splits on every non-alphanumeric rune, so
// "net.github.issues_list" and "GitHub issues" share tokens.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
