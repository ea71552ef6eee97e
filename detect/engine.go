package detect

import (
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"analysisd/core"
	"analysisd/metrics"

	"go.uber.org/zap"
)

// Engine evaluates events against a published rule forest. It never mutates
// the forest structure; match histories and the per-rule ignore and fired
// counters are the only state it writes, so Evaluate is safe for concurrent
// use.
type Engine struct {
	forest  *Forest
	matcher Matcher
	regex   Matcher
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithPatternMatcher sets the matcher for match, program_name, hostname, user,
// url and the other simple pattern fields. Defaults to the forest's matcher.
func WithPatternMatcher(m Matcher) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.matcher = m
		}
	}
}

// WithRegexMatcher sets the matcher for regex conditions.
func WithRegexMatcher(m Matcher) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.regex = m
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *zap.SugaredLogger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source used for timeframe and ignore windows.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine over forest.
func NewEngine(forest *Forest, opts ...EngineOption) *Engine {
	e := &Engine{
		forest:  forest,
		matcher: forest.Matcher(),
		logger:  zap.NewNop().Sugar(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.regex == nil {
		rm, err := NewRegexMatcher(DefaultRegexTimeout, DefaultRegexCacheSize, e.logger)
		if err != nil {
			e.logger.Warnw("Regex matcher unavailable, regex conditions will not match", "error", err)
			e.regex = MatcherFunc(func(string, string) bool { return false })
		} else {
			e.regex = rm
		}
	}
	return e
}

// Forest returns the forest the engine evaluates.
func (e *Engine) Forest() *Forest {
	return e.forest
}

// Evaluate walks the roots of the event's category. The first root that
// matches is descended greedily, taking the first matching child at every
// level, and the deepest rule reached produces the alert. It returns nil when
// no root matches.
func (e *Engine) Evaluate(ev *core.Event) *core.Alert {
	start := time.Now()
	defer func() {
		metrics.EventEvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	category := ev.Category
	if category == "" {
		category = core.DefaultCategory
	}
	now := e.now()

	f := e.forest
	for root := f.Head(); root != NoNode; root = f.Next(root) {
		rule := f.Rule(root)
		if rule.Category != category || !e.matches(rule, ev, now) {
			continue
		}

		cur := root
		path := []int{rule.SigID}
		for {
			next := NoNode
			for c := f.Child(cur); c != NoNode; c = f.Next(c) {
				if e.matches(f.Rule(c), ev, now) {
					next = c
					break
				}
			}
			if next == NoNode {
				break
			}
			cur = next
			path = append(path, f.Rule(cur).SigID)
		}

		matched := f.Rule(cur)
		e.record(matched, ev, now)
		metrics.EventsEvaluated.WithLabelValues("match").Inc()
		e.logger.Debugw("Event matched", "event_id", ev.EventID, "sid", matched.SigID, "path", path)
		return core.NewAlert(matched, path, ev)
	}

	metrics.EventsEvaluated.WithLabelValues("no_match").Inc()
	return nil
}

// matches checks every condition of rule against ev.
func (e *Engine) matches(rule *core.RuleInfo, ev *core.Event, now time.Time) bool {
	if rule.IgnoreTime > 0 {
		ignored := atomic.LoadInt64(&rule.TimeIgnored)
		if ignored != 0 && now.Unix() < ignored+int64(rule.IgnoreTime) {
			return false
		}
	}
	if rule.DecodedAs != "" && !strings.EqualFold(rule.DecodedAs, ev.DecodedAs) {
		return false
	}

	patterns := [...]struct{ pattern, value string }{
		{rule.Match, ev.Log},
		{rule.ProgramName, ev.ProgramName},
		{rule.Hostname, ev.Hostname},
		{rule.Location, ev.Location},
		{rule.User, ev.User},
		{rule.URL, ev.URL},
		{rule.ID, ev.ID},
		{rule.Status, ev.Status},
		{rule.ExtraData, ev.ExtraData},
		{rule.SrcPort, ev.SrcPort},
		{rule.DstPort, ev.DstPort},
	}
	for _, p := range patterns {
		if p.pattern != "" && !e.matcher.Match(p.pattern, p.value) {
			return false
		}
	}
	for name, pattern := range rule.Fields {
		if !e.matcher.Match(pattern, ev.Field(name)) {
			return false
		}
	}
	if rule.Regex != "" && !e.regex.Match(rule.Regex, ev.Log) {
		return false
	}
	if len(rule.SrcIP) > 0 && !matchAddress(rule.SrcIP, ev.SrcIP) {
		return false
	}
	if len(rule.DstIP) > 0 && !matchAddress(rule.DstIP, ev.DstIP) {
		return false
	}
	if rule.Compiled != nil && !rule.Compiled.Eval(ev) {
		return false
	}

	if rule.IfMatchedSID != 0 && !e.correlated(rule, rule.SIDSearch, ev, now) {
		return false
	}
	if rule.IfMatchedGroup != "" && !e.correlated(rule, rule.GroupSearch, ev, now) {
		return false
	}
	return true
}

// correlated reports whether history holds enough earlier matches inside the
// rule's timeframe that agree with ev on same_fields and differ on
// not_same_fields.
func (e *Engine) correlated(rule *core.RuleInfo, history *core.MatchList, ev *core.Event, now time.Time) bool {
	if history == nil {
		return false
	}
	var cutoff time.Time
	if rule.Timeframe > 0 {
		cutoff = now.Add(-time.Duration(rule.Timeframe) * time.Second)
	}
	if rule.IfMatchedRegex != "" && !e.regex.Match(rule.IfMatchedRegex, ev.Log) {
		return false
	}

	keep := func(m core.MatchEntry) bool {
		for _, name := range rule.SameFields {
			if m.Field(name) != ev.Field(name) {
				return false
			}
		}
		for _, name := range rule.NotSameFields {
			if m.Field(name) == ev.Field(name) {
				return false
			}
		}
		return true
	}

	return history.CountSince(cutoff, keep) >= max(rule.Frequency, 1)
}

// record appends ev to every history the matched rule feeds.
func (e *Engine) record(rule *core.RuleInfo, ev *core.Event, now time.Time) {
	if !rule.AlertOpts.Has(core.NoCounter) {
		atomic.AddInt64(&rule.FiredTimes, 1)
	}
	if rule.IgnoreTime > 0 {
		atomic.StoreInt64(&rule.TimeIgnored, now.Unix())
	}

	if rule.SIDPrevMatched == nil && len(rule.GroupPrevMatched) == 0 {
		return
	}
	entry := core.NewMatchEntry(ev)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if rule.SIDPrevMatched != nil {
		rule.SIDPrevMatched.Append(entry)
		metrics.HistoryAppends.Inc()
	}
	for _, list := range rule.GroupPrevMatched {
		list.Append(entry)
		metrics.HistoryAppends.Inc()
	}
}

// matchAddress reports whether addr equals one of the listed addresses or
// falls inside one of the listed prefixes.
func matchAddress(list []string, addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	for _, entry := range list {
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(ip) {
				return true
			}
			continue
		}
		if want, err := netip.ParseAddr(entry); err == nil && want == ip {
			return true
		}
	}
	return false
}
