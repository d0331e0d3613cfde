package vecindex

import (
	"strings"
	"unicode/utf8"
)

// Lexical fallback scoring weights.
const (
	lexExactMatch      = 10_000.0
	lexContainmentBase = 500.0
	lexContainmentPer  = 50.0
	lexTokenContainPer = 200.0
	lexBigramOverlap   = 50.0
	lexTrigramOverlap  = 80.0
)

// NormalizeLexical lowercases and collapses whitespace for lexical matching.
func NormalizeLexical(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// compactRunes strips all whitespace from normalized text. Length bonuses and
// character n-grams run over this form so CJK text, which has no
// space-separated tokens, weighs and overlaps the same as ASCII.
func compactRunes(s string) []rune {
	out := make([]rune, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		if r != ' ' {
			out = append(out, r)
		}
	}
	return out
}

// ScoreLexical is the deterministic fallback scorer used when no embedder is
// available: exact normalized match, containment of the whole query,
// per-token containment, and character bigram/trigram overlap. All length
// bonuses count characters, not bytes.
func ScoreLexical(query, candidate string) float64 {
	q := NormalizeLexical(query)
	c := NormalizeLexical(candidate)
	if q == "" || c == "" {
		return 0
	}
	qCompact := compactRunes(q)
	cCompact := compactRunes(c)

	var score float64
	if q == c {
		score += lexExactMatch
	}
	if strings.Contains(c, q) {
		score += lexContainmentBase + lexContainmentPer*float64(len(qCompact))
	}

	for _, tok := range strings.Fields(q) {
		if len(tok) < 2 {
			continue
		}
		if strings.Contains(c, tok) {
			score += lexTokenContainPer * float64(utf8.RuneCountInString(tok))
		}
	}

	score += lexBigramOverlap * float64(ngramOverlap(qCompact, cCompact, 2))
	score += lexTrigramOverlap * float64(ngramOverlap(qCompact, cCompact, 3))
	return score
}

// LexicalDistance converts a lexical score into the distance scale the KNN
// path reports: higher score, smaller distance.
func LexicalDistance(score float64) float64 {
	return 1 / (score + 1)
}

// ngramOverlap counts the distinct character n-grams of a that also occur in b.
func ngramOverlap(a, b []rune, n int) int {
	if len(a) < n || len(b) < n {
		return 0
	}
	grams := map[string]bool{}
	for i := 0; i+n <= len(a); i++ {
		grams[string(a[i:i+n])] = true
	}
	seen := map[string]bool{}
	count := 0
	for i := 0; i+n <= len(b); i++ {
		g := string(b[i : i+n])
		if grams[g] && !seen[g] {
			seen[g] = true
			count++
		}
	}
	return count
}
