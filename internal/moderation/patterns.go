package moderation

import (
	"regexp"
	"unicode"
	"unicode/utf8"

	"github.com/parlor/chat-service/internal/lexicon"
)

// Compiled once at package init; safe for concurrent use.
var (
	// urlSchemePattern matches explicit http/https/ftp URLs.
	urlSchemePattern = regexp.MustCompile(`(?i)(?:https?|ftp)://\S+`)

	// wwwPattern matches bare www. links without a scheme, anywhere in the
	// text, even glued to another token.
	wwwPattern = regexp.MustCompile(`(?i)www\.\S+`)

	// domainPattern matches bare domain-like tokens ending in a common TLD,
	// e.g. "spamsite.com" in running text.
	domainPattern = regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9.-]*\.(?:com|net|org|info|biz|io|ru)\b`)
)

// suspiciousCheck pairs a detector with its user-facing block reason.
// Order matters: the first match wins.
type suspiciousCheck struct {
	reason string
	match  func(content string, limits lexicon.Limits) bool
}

var suspiciousChecks = []suspiciousCheck{
	{"Spam detected (repeated characters)", func(content string, _ lexicon.Limits) bool {
		return hasRepeatedRun(content, 5)
	}},
	{"Too many capital letters", tooManyCaps},
	{"Links are not allowed", func(content string, _ lexicon.Limits) bool {
		return urlSchemePattern.MatchString(content) || wwwPattern.MatchString(content)
	}},
	{"Links to websites are not allowed", func(content string, _ lexicon.Limits) bool {
		return domainPattern.MatchString(content)
	}},
}

// checkSuspiciousPatterns runs the pattern detectors in order and returns a
// blocking decision on the first hit.
func checkSuspiciousPatterns(content string, limits lexicon.Limits) Decision {
	for _, sc := range suspiciousChecks {
		if sc.match(content, limits) {
			return Decision{Blocked: true, Reason: sc.reason, Stage: StageSuspicious}
		}
	}
	return Accept
}

// hasRepeatedRun reports whether any character repeats threshold or more
// times consecutively. RE2 has no backreferences, so this is a linear scan.
func hasRepeatedRun(content string, threshold int) bool {
	count := 1
	prev := rune(-1)
	for _, r := range content {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// tooManyCaps reports whether the uppercase ratio exceeds the configured
// threshold. Only evaluated for messages longer than 10 characters so that
// short interjections ("OK!", "LOL") pass.
func tooManyCaps(content string, limits lexicon.Limits) bool {
	total := utf8.RuneCountInString(content)
	if total <= 10 {
		return false
	}

	upper := 0
	for _, r := range content {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper)/float64(total) > limits.MaxCapsRatio
}
