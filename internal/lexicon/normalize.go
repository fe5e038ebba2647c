package lexicon

import (
	"strings"
	"unicode"
)

// leetMap translates common look-alike substitutions back to the letters they
// stand in for. Applied after lowercasing.
var leetMap = map[rune]rune{
	'@': 'a',
	'4': 'a',
	'3': 'e',
	'0': 'o',
	'1': 'i',
	'!': 'i',
	'$': 's',
	'5': 's',
	'7': 't',
	'+': 't',
}

// Normalize lowercases the text, maps look-alike characters to their letter
// equivalents, and collapses runs of the same character longer than two.
// Lexicon entries and candidate text must pass through the same normalization
// so that obfuscated spellings compare equal to their plain forms.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var prev rune = -1
	run := 0
	for _, r := range strings.ToLower(s) {
		if mapped, ok := leetMap[r]; ok {
			r = mapped
		}
		if r == prev {
			run++
			if run > 2 {
				continue
			}
		} else {
			prev = r
			run = 1
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeTerm normalizes a lexicon entry and strips everything that is not
// a letter or digit, so "kill yourself" and "k.i.l.l y0urself" both reduce to
// "killyourself".
func normalizeTerm(term string) string {
	norm := Normalize(term)
	var b strings.Builder
	b.Grow(len(norm))
	for _, r := range norm {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Tokens splits normalized text into alphanumeric tokens. Separators of any
// kind (spaces, punctuation, symbols) delimit tokens.
func Tokens(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Contains reports whether term occurs in text on a word boundary after both
// sides are normalized. A term matches a single token or a contiguous run of
// tokens whose concatenation equals it: "b a d w o r d" and "b-a-d-w-o-r-d"
// both match "badword", while "class" never matches "ass" because a token is
// only ever compared whole.
func Contains(text, term string) bool {
	target := normalizeTerm(term)
	if target == "" {
		return false
	}

	toks := Tokens(text)
	for i := range toks {
		var run strings.Builder
		for j := i; j < len(toks); j++ {
			run.WriteString(toks[j])
			if run.Len() > len(target) {
				break
			}
			if run.String() == target {
				return true
			}
		}
	}
	return false
}

// MatchAny returns the first term from the list found in text, if any.
func MatchAny(text string, terms []string) (string, bool) {
	for _, term := range terms {
		if Contains(text, term) {
			return term, true
		}
	}
	return "", false
}

// CountDistinct counts how many distinct terms from the list occur in text,
// stopping early once stopAt is reached (0 means count them all).
func CountDistinct(text string, terms []string, stopAt int) int {
	count := 0
	for _, term := range terms {
		if Contains(text, term) {
			count++
			if stopAt > 0 && count >= stopAt {
				return count
			}
		}
	}
	return count
}
