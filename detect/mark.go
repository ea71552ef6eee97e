package detect

import (
	"fmt"

	"analysisd/core"
	"analysisd/metrics"
)

// MarkBySigID wires the if_matched_sid history of rule sourceSigID: every
// position of targetSigID gets a match history (created once, on demand) and
// the source rule searches it.
func (f *Forest) MarkBySigID(sourceSigID, targetSigID int) error {
	srcNode := f.FindBySigID(sourceSigID, NoNode)
	if srcNode == NoNode {
		return &core.RuleError{Op: "mark", SigID: sourceSigID, Err: core.ErrSigIDNotFound}
	}
	source := f.Rule(srcNode)

	marked := 0
	f.Walk(func(id NodeID, _ int) bool {
		target := f.Rule(id)
		if target.SigID != targetSigID {
			return true
		}
		if target.SIDPrevMatched == nil {
			target.SIDPrevMatched = f.newList()
		}
		source.SIDSearch = target.SIDPrevMatched
		marked++
		return true
	})

	if marked == 0 {
		metrics.CorrelationMarks.WithLabelValues("sid_missing").Inc()
		f.logger.Warnw("if_matched_sid target not found", "sid", sourceSigID, "if_matched_sid", targetSigID)
		return nil
	}
	metrics.CorrelationMarks.WithLabelValues("sid").Inc()
	return nil
}

// MarkByGroup makes every rule whose group matches pattern feed the
// if_matched_group history of source.
func (f *Forest) MarkByGroup(pattern string, source *core.RuleInfo) error {
	if source == nil {
		return &core.RuleError{Op: "mark", Err: core.ErrNilRule}
	}
	if source.GroupSearch == nil {
		source.GroupSearch = f.newList()
	}

	seen := make(map[RecordID]struct{})
	f.Walk(func(id NodeID, _ int) bool {
		rec := f.nodes[id].record
		if _, ok := seen[rec]; ok {
			return true
		}
		target := f.records[rec]
		if !f.matcher.Match(pattern, target.Group) {
			return true
		}
		seen[rec] = struct{}{}
		target.GroupPrevMatched = append(target.GroupPrevMatched, source.GroupSearch)
		return true
	})

	metrics.CorrelationMarks.WithLabelValues("group").Add(float64(len(seen)))
	f.logger.Debugw("Marked group correlation", "sid", source.SigID, "if_matched_group", pattern, "rules", len(seen))
	return nil
}

// MarkCorrelations runs the correlation marks for every rule declaring
// if_matched_sid or if_matched_group. It is the last step of building a
// forest.
func (f *Forest) MarkCorrelations() error {
	for _, rule := range f.records[1:] {
		if rule.IfMatchedSID != 0 {
			if err := f.MarkBySigID(rule.SigID, rule.IfMatchedSID); err != nil {
				return fmt.Errorf("failed to mark if_matched_sid of rule %d: %w", rule.SigID, err)
			}
		}
		if rule.IfMatchedGroup != "" {
			if err := f.MarkByGroup(rule.IfMatchedGroup, rule); err != nil {
				return fmt.Errorf("failed to mark if_matched_group of rule %d: %w", rule.SigID, err)
			}
		}
	}
	return nil
}
