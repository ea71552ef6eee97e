package detect

import (
	"strings"
	"time"

	"analysisd/metrics"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultRegexTimeout bounds a single regex evaluation.
	DefaultRegexTimeout = 100 * time.Millisecond
	// DefaultRegexCacheSize is the number of compiled patterns kept.
	DefaultRegexCacheSize = 1024
)

// RegexMatcher matches patterns as regular expressions. Evaluation runs under
// regexp2's MatchTimeout so a pathological rule cannot stall a worker.
// A pattern that fails to compile or times out does not match.
type RegexMatcher struct {
	timeout time.Duration
	cache   *lru.Cache[string, *regexp2.Regexp] // nil value: pattern does not compile
	logger  *zap.SugaredLogger
}

// NewRegexMatcher creates a matcher caching up to cacheSize compiled patterns.
func NewRegexMatcher(timeout time.Duration, cacheSize int, logger *zap.SugaredLogger) (*RegexMatcher, error) {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	if cacheSize <= 0 {
		cacheSize = DefaultRegexCacheSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cache, err := lru.New[string, *regexp2.Regexp](cacheSize)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{timeout: timeout, cache: cache, logger: logger}, nil
}

// Match implements Matcher.
func (m *RegexMatcher) Match(pattern, candidate string) bool {
	if pattern == "" {
		return false
	}
	re := m.compile(pattern)
	if re == nil {
		return false
	}

	ok, err := re.MatchString(candidate)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			metrics.RegexErrors.WithLabelValues("timeout").Inc()
			m.logger.Warnw("Regex timeout, pattern may be vulnerable to ReDoS",
				"pattern", pattern,
				"timeout", m.timeout,
				"input_length", len(candidate))
		}
		return false
	}
	return ok
}

// Compile reports whether pattern is a valid expression.
func (m *RegexMatcher) Compile(pattern string) error {
	_, err := regexp2.Compile(pattern, regexp2.None)
	return err
}

func (m *RegexMatcher) compile(pattern string) *regexp2.Regexp {
	if re, ok := m.cache.Get(pattern); ok {
		return re
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		metrics.RegexErrors.WithLabelValues("compile").Inc()
		m.logger.Warnw("Failed to compile regex", "pattern", pattern, "error", err)
		m.cache.Add(pattern, nil)
		return nil
	}
	re.MatchTimeout = m.timeout
	m.cache.Add(pattern, re)
	return re
}

// Len returns the number of cached patterns.
func (m *RegexMatcher) Len() int {
	return m.cache.Len()
}
