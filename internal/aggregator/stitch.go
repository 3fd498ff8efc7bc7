package aggregator

import (
	"strings"
	"unicode"
)

// DefaultMaxOverlapWords caps how many words at a chunk boundary are compared.
const DefaultMaxOverlapWords = 10

// trimOverlap drops the longest prefix of next that repeats the tail of prev.
// Words compare case-insensitively with surrounding punctuation ignored, so
// "Brown," at the end of one chunk matches "brown" at the start of the next.
// At most maxWords words are compared.
func trimOverlap(prev, next []string, maxWords int) []string {
	limit := min(maxWords, len(prev), len(next))
	for k := limit; k > 0; k-- {
		if wordsEqual(prev[len(prev)-k:], next[:k]) {
			return next[k:]
		}
	}
	return next
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if normalizeWord(a[i]) != normalizeWord(b[i]) {
			return false
		}
	}
	return true
}

func normalizeWord(w string) string {
	w = strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.ToLower(w)
}

// Stitch joins two chunk transcriptions, dropping the words the second one
// repeats from the end of the first. Whitespace is normalised to single
// spaces.
func Stitch(prev, next string) string {
	a := strings.Fields(prev)
	b := trimOverlap(a, strings.Fields(next), DefaultMaxOverlapWords)
	return strings.Join(append(a, b...), " ")
}
