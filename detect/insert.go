package detect

import (
	"analysisd/core"
	"analysisd/metrics"
)

// AddRule inserts rule into the root chain in severity order. Top-level rules
// declare the categories that later rules attach to.
func (f *Forest) AddRule(rule *core.RuleInfo) error {
	if rule == nil {
		return &core.RuleError{Op: "add", Err: core.ErrNilRule}
	}
	rec := f.addRecord(rule)
	f.head = f.insertOrdered(f.head, f.newNode(rec))

	metrics.RulesLoaded.WithLabelValues("root").Inc()
	f.logger.Debugw("Added root rule", "sid", rule.SigID, "level", rule.Severity(), "category", rule.Category)
	return nil
}

// EnsureCategoryRoot returns the root for rule.Category, inserting rule as the
// root when the category has none yet. The second result reports whether rule
// was inserted.
func (f *Forest) EnsureCategoryRoot(rule *core.RuleInfo) (NodeID, bool, error) {
	if rule == nil {
		return NoNode, false, &core.RuleError{Op: "add", Err: core.ErrNilRule}
	}
	if root := f.RootForCategory(rule.Category); root != NoNode {
		return root, false, nil
	}
	if err := f.AddRule(rule); err != nil {
		return NoNode, false, err
	}
	return f.RootForCategory(rule.Category), true, nil
}

// AddChild attaches rule beneath its correlation targets. The first directive
// present decides the targets: if_sid, then if_level, then if_group, then the
// rule's category. An unresolvable target is a fatal *core.RuleError.
func (f *Forest) AddChild(rule *core.RuleInfo) error {
	if rule == nil {
		return &core.RuleError{Op: "add", Err: core.ErrNilRule}
	}

	switch {
	case rule.IfSID != "":
		return f.addBySigID(rule)
	case rule.IfLevel != "":
		return f.addByLevel(rule)
	case rule.IfGroup != "":
		return f.addByGroup(rule)
	default:
		return f.addByCategory(rule)
	}
}

func (f *Forest) addBySigID(rule *core.RuleInfo) error {
	ids, err := rule.IfSIDs()
	if err != nil {
		return &core.RuleError{Op: "add", SigID: rule.SigID, Directive: "if_sid", Value: rule.IfSID, Err: err}
	}

	// every target resolves before the forest changes
	targets := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		target := f.FindBySigID(id, NoNode)
		if target == NoNode {
			return &core.RuleError{Op: "add", SigID: rule.SigID, Directive: "if_sid", Value: rule.IfSID, Err: core.ErrSigIDNotFound}
		}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return &core.RuleError{Op: "add", SigID: rule.SigID, Directive: "if_sid", Value: rule.IfSID, Err: core.ErrInvalidSigID}
	}

	rec := f.addRecord(rule)
	for _, target := range targets {
		// children share the category of the rule they correlate on
		rule.Category = f.Rule(target).Category
		f.attach(target, rec)
	}

	metrics.RulesLoaded.WithLabelValues("if_sid").Inc()
	f.logger.Debugw("Added correlated rule", "sid", rule.SigID, "if_sid", rule.IfSID, "targets", len(ids))
	return nil
}

func (f *Forest) addByLevel(rule *core.RuleInfo) error {
	threshold, err := rule.IfLevelThreshold()
	if err != nil {
		return &core.RuleError{Op: "add", SigID: rule.SigID, Directive: "if_level", Value: rule.IfLevel, Err: err}
	}

	targets := f.collect(func(r *core.RuleInfo) bool {
		return r.Level >= threshold && r.SigID != rule.SigID
	})
	if len(targets) == 0 {
		return &core.RuleError{Op: "add", SigID: rule.SigID, Directive: "if_level", Value: rule.IfLevel, Err: core.ErrLevelNotFound}
	}
	f.broadcast(rule, targets)

	metrics.RulesLoaded.WithLabelValues("if_level").Inc()
	f.logger.Debugw("Added level-correlated rule", "sid", rule.SigID, "if_level", rule.IfLevel, "targets", len(targets))
	return nil
}

func (f *Forest) addByGroup(rule *core.RuleInfo) error {
	targets := f.collect(func(r *core.RuleInfo) bool {
		return r.SigID != rule.SigID && f.matcher.Match(rule.IfGroup, r.Group)
	})
	if len(targets) == 0 {
		return &core.RuleError{Op: "add", SigID: rule.SigID, Directive: "if_group", Value: rule.IfGroup, Err: core.ErrGroupNotFound}
	}
	f.broadcast(rule, targets)

	metrics.RulesLoaded.WithLabelValues("if_group").Inc()
	f.logger.Debugw("Added group-correlated rule", "sid", rule.SigID, "if_group", rule.IfGroup, "targets", len(targets))
	return nil
}

func (f *Forest) addByCategory(rule *core.RuleInfo) error {
	root := f.RootForCategory(rule.Category)
	if root == NoNode {
		return &core.RuleError{Op: "add", SigID: rule.SigID, Directive: "category", Value: rule.Category, Err: core.ErrCategoryNotFound}
	}
	rule.Category = f.Rule(root).Category
	f.attach(root, f.addRecord(rule))

	metrics.RulesLoaded.WithLabelValues("category").Inc()
	f.logger.Debugw("Added category rule", "sid", rule.SigID, "category", rule.Category)
	return nil
}

// collect returns, in pre-order, every node whose rule satisfies keep. The
// result is gathered before any mutation so a broadcast never lands beneath a
// node it created itself.
func (f *Forest) collect(keep func(*core.RuleInfo) bool) []NodeID {
	var out []NodeID
	f.Walk(func(id NodeID, _ int) bool {
		if keep(f.Rule(id)) {
			out = append(out, id)
		}
		return true
	})
	return out
}

func (f *Forest) broadcast(rule *core.RuleInfo, targets []NodeID) {
	rec := f.addRecord(rule)
	for _, t := range targets {
		f.attach(t, rec)
	}
}

// attach creates a node for rec under parent, in severity order.
func (f *Forest) attach(parent NodeID, rec RecordID) NodeID {
	id := f.newNode(rec)
	f.nodes[parent].child = f.insertOrdered(f.nodes[parent].child, id)
	return id
}

// insertOrdered places id in the chain starting at head before the first
// sibling with a strictly lower level, and returns the new head.
func (f *Forest) insertOrdered(head, id NodeID) NodeID {
	level := f.Rule(id).Level

	prev := NoNode
	cur := head
	for cur != NoNode && f.Rule(cur).Level >= level {
		prev = cur
		cur = f.nodes[cur].next
	}
	f.nodes[id].next = cur
	if prev == NoNode {
		return id
	}
	f.nodes[prev].next = id
	return head
}
