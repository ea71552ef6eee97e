package detect

import (
	"fmt"

	"analysisd/core"
	"analysisd/metrics"
)

// Relocate moves node from the child chain of oldParent to the tail of the
// child chain of newParent. node must be a direct child of oldParent, and
// newParent must not be node or one of its descendants.
func (f *Forest) Relocate(node, oldParent, newParent NodeID) error {
	if !f.valid(node) || !f.valid(oldParent) || !f.valid(newParent) {
		return &core.RuleError{Op: "relocate", SigID: f.sigid(node), Err: core.ErrInvalidHandle}
	}

	prev := NoNode
	cur := f.nodes[oldParent].child
	for cur != NoNode && cur != node {
		prev = cur
		cur = f.nodes[cur].next
	}
	if cur == NoNode {
		return &core.RuleError{Op: "relocate", SigID: f.sigid(node), Err: core.ErrNotChild}
	}
	if newParent == node || f.isDescendant(newParent, node) {
		return &core.RuleError{Op: "relocate", SigID: f.sigid(node), Err: core.ErrRelocateCycle}
	}

	// unlink
	if prev == NoNode {
		f.nodes[oldParent].child = f.nodes[node].next
	} else {
		f.nodes[prev].next = f.nodes[node].next
	}
	f.nodes[node].next = NoNode

	// append at tail
	tail := f.nodes[newParent].child
	if tail == NoNode {
		f.nodes[newParent].child = node
	} else {
		for f.nodes[tail].next != NoNode {
			tail = f.nodes[tail].next
		}
		f.nodes[tail].next = node
	}

	metrics.RuleRelocations.Inc()
	f.logger.Debugw("Relocated rule",
		"sid", f.sigid(node),
		"old_parent", f.sigid(oldParent),
		"new_parent", f.sigid(newParent))
	return nil
}

// UpdateRule overwrites the rule with the given sigid by newRule. When the
// overwrite changes the rule's anchor (its first if_sid target, or its category
// root when no if_sid is involved) the node is moved beneath the new anchor
// first. Every tree position sharing the record observes the new values.
//
// The boolean reports whether a rule with sigid exists. A missing rule is not
// an error.
func (f *Forest) UpdateRule(sigid int, newRule *core.RuleInfo) (bool, error) {
	if newRule == nil {
		return false, &core.RuleError{Op: "update", SigID: sigid, Err: core.ErrNilRule}
	}
	if sigid == 0 {
		return false, nil
	}
	target := f.FindBySigID(sigid, NoNode)
	if target == NoNode {
		return false, nil
	}
	old := f.Rule(target)

	oldAnchor, newAnchor := f.anchors(old, newRule)
	if oldAnchor != NoNode && newAnchor != NoNode && !f.isRoot(target) {
		// a rule hung under several if_sid targets moves its anchored position
		if pos := f.childWithSigID(oldAnchor, sigid); pos != NoNode {
			target = pos
		}
		if err := f.Relocate(target, oldAnchor, newAnchor); err != nil {
			return true, fmt.Errorf("failed to reclassify rule %d: %w", sigid, err)
		}
	}
	if newRule.IfSID != "" {
		if anchor := f.findAnchor(newRule.IfSID); anchor != NoNode {
			newRule.Category = f.Rule(anchor).Category
		}
	}

	// the record keeps its identity whatever the replacement carries
	newRule.SigID = sigid
	*old = *newRule

	metrics.RulesLoaded.WithLabelValues("overwrite").Inc()
	f.logger.Debugw("Overwrote rule", "sid", sigid, "category", old.Category, "if_sid", old.IfSID)
	return true, nil
}

// anchors returns the old and new parent-determining nodes for an overwrite,
// or NoNode for both when the placement does not change.
func (f *Forest) anchors(old, updated *core.RuleInfo) (NodeID, NodeID) {
	switch {
	case old.IfSID != "" && updated.IfSID != "" && old.IfSID != updated.IfSID:
		return f.findAnchor(old.IfSID), f.findAnchor(updated.IfSID)
	case old.IfSID != "" && updated.IfSID == "":
		return f.findAnchor(old.IfSID), f.RootForCategory(updated.Category)
	case old.IfSID == "" && updated.IfSID != "":
		return f.RootForCategory(old.Category), f.findAnchor(updated.IfSID)
	case old.IfSID == "" && updated.IfSID == "" && old.Category != updated.Category:
		return f.RootForCategory(old.Category), f.RootForCategory(updated.Category)
	}
	return NoNode, NoNode
}

func (f *Forest) findAnchor(ifSID string) NodeID {
	id := core.FirstSigID(ifSID)
	if id == 0 {
		return NoNode
	}
	return f.FindBySigID(id, NoNode)
}

func (f *Forest) childWithSigID(parent NodeID, sigid int) NodeID {
	for c := f.nodes[parent].child; c != NoNode; c = f.nodes[c].next {
		if f.sigid(c) == sigid {
			return c
		}
	}
	return NoNode
}

func (f *Forest) isRoot(id NodeID) bool {
	for n := f.head; n != NoNode; n = f.nodes[n].next {
		if n == id {
			return true
		}
	}
	return false
}

// isDescendant reports whether id lies in the subtree below ancestor.
func (f *Forest) isDescendant(id, ancestor NodeID) bool {
	found := false
	f.walkFrom(f.nodes[ancestor].child, func(n NodeID, _ int) bool {
		if n == id {
			found = true
			return false
		}
		return true
	})
	return found
}

func (f *Forest) sigid(id NodeID) int {
	if r := f.Rule(id); r != nil {
		return r.SigID
	}
	return 0
}
