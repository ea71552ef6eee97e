package detect

import "strings"

// Matcher decides whether a rule pattern matches a candidate string, such as
// an if_group pattern against a rule's group list. Implementations must be
// free of side effects visible to the forest and safe for concurrent use.
type Matcher interface {
	Match(pattern, candidate string) bool
}

// MatcherFunc adapts a function to Matcher
type MatcherFunc func(pattern, candidate string) bool

// Match calls fn(pattern, candidate).
func (fn MatcherFunc) Match(pattern, candidate string) bool {
	return fn(pattern, candidate)
}

// WordMatcher implements the simple rule pattern syntax: alternatives are
// separated by '|', a leading '^' anchors an alternative at the start and a
// trailing '$' at the end, otherwise an alternative matches anywhere. Matching
// ignores case. A leading '!' negates the whole pattern.
//
//	"authentication_failed|invalid_login"
//	"^sshd"
//	"!pam"
type WordMatcher struct{}

// Match implements Matcher.
func (WordMatcher) Match(pattern, candidate string) bool {
	if pattern == "" || candidate == "" {
		return false
	}
	negate := false
	if pattern[0] == '!' {
		negate = true
		pattern = pattern[1:]
	}

	lower := strings.ToLower(candidate)
	matched := false
	for _, alt := range strings.Split(pattern, "|") {
		if matchWord(strings.ToLower(alt), lower) {
			matched = true
			break
		}
	}
	return matched != negate
}

func matchWord(alt, candidate string) bool {
	start := strings.HasPrefix(alt, "^")
	alt = strings.TrimPrefix(alt, "^")
	end := strings.HasSuffix(alt, "$")
	alt = strings.TrimSuffix(alt, "$")

	switch {
	case start && end:
		return candidate == alt
	case alt == "":
		return false
	case start:
		return strings.HasPrefix(candidate, alt)
	case end:
		return strings.HasSuffix(candidate, alt)
	default:
		return strings.Contains(candidate, alt)
	}
}
