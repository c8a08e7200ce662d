package discovery

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity scores two names in [0,1], case-insensitively. It takes the
// larger of trigram overlap and normalized edit distance, so both reordered
// words and small typos score high.
func Similarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	tri := trigramSimilarity(na, nb)
	edit := editSimilarity(na, nb)
	if edit > tri {
		return edit
	}
	return tri
}

// SameName is the exact case-insensitive comparison.
func SameName(a, b string) bool {
	na := normalizeName(a)
	return na != "" && na == normalizeName(b)
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func editSimilarity(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// trigramSimilarity mirrors pg_trgm: each word is padded with two leading and
// one trailing space, and the score is shared / union of distinct trigrams.
func trigramSimilarity(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

func trigrams(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, word := range strings.Fields(s) {
		runes := []rune("  " + word + " ")
		for i := 0; i+3 <= len(runes); i++ {
			out[string(runes[i:i+3])] = struct{}{}
		}
	}
	return out
}
