package detect

import (
	"analysisd/core"

	"go.uber.org/zap"
)

// NodeID addresses a tree position in a Forest. The zero value means "no node".
type NodeID int32

// RecordID addresses a rule record in a Forest. The zero value means "no record".
type RecordID int32

// NoNode is the absent node handle.
const NoNode NodeID = 0

// node is one tree position. Several nodes may share a record when a rule is
// attached under more than one parent.
type node struct {
	record RecordID
	next   NodeID
	child  NodeID
}

// Forest is the rule forest: a chain of root rules, each heading a tree of
// correlated children. Records and nodes live in arenas and are addressed by
// handle, so a rule broadcast under many parents keeps a single RuleInfo.
//
// A Forest is built single-threaded and must not be mutated once it is
// published to concurrent readers. Match history lists reachable from its
// records are safe for concurrent use.
type Forest struct {
	records []*core.RuleInfo // index 0 unused
	nodes   []node           // index 0 unused
	head    NodeID

	matcher     Matcher
	historySize int
	newList     func() *core.MatchList
	logger      *zap.SugaredLogger
}

// ForestOption configures a Forest
type ForestOption func(*Forest)

// WithMatcher sets the pattern-match capability used for group resolution.
func WithMatcher(m Matcher) ForestOption {
	return func(f *Forest) {
		if m != nil {
			f.matcher = m
		}
	}
}

// WithHistorySize bounds every match history list the forest creates.
func WithHistorySize(n int) ForestOption {
	return func(f *Forest) {
		f.historySize = n
	}
}

// WithListFactory overrides how match history lists are created.
func WithListFactory(fn func() *core.MatchList) ForestOption {
	return func(f *Forest) {
		f.newList = fn
	}
}

// WithLogger sets the forest logger.
func WithLogger(logger *zap.SugaredLogger) ForestOption {
	return func(f *Forest) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewForest creates an empty forest.
func NewForest(opts ...ForestOption) *Forest {
	f := &Forest{
		records:     make([]*core.RuleInfo, 1),
		nodes:       make([]node, 1),
		matcher:     WordMatcher{},
		historySize: core.DefaultHistorySize,
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.newList == nil {
		size := f.historySize
		f.newList = func() *core.MatchList { return core.NewMatchList(size) }
	}
	return f
}

// Head returns the first root node.
func (f *Forest) Head() NodeID {
	return f.head
}

// Next returns the sibling following id.
func (f *Forest) Next(id NodeID) NodeID {
	if !f.valid(id) {
		return NoNode
	}
	return f.nodes[id].next
}

// Child returns the first child of id.
func (f *Forest) Child(id NodeID) NodeID {
	if !f.valid(id) {
		return NoNode
	}
	return f.nodes[id].child
}

// Rule returns the record referenced by id, or nil.
func (f *Forest) Rule(id NodeID) *core.RuleInfo {
	if !f.valid(id) {
		return nil
	}
	return f.records[f.nodes[id].record]
}

// Record returns the record handle referenced by id.
func (f *Forest) Record(id NodeID) RecordID {
	if !f.valid(id) {
		return 0
	}
	return f.nodes[id].record
}

// Children lists the direct children of id in sibling order.
func (f *Forest) Children(id NodeID) []NodeID {
	var out []NodeID
	for c := f.Child(id); c != NoNode; c = f.nodes[c].next {
		out = append(out, c)
	}
	return out
}

// Roots lists the root chain in sibling order.
func (f *Forest) Roots() []NodeID {
	var out []NodeID
	for n := f.head; n != NoNode; n = f.nodes[n].next {
		out = append(out, n)
	}
	return out
}

// Records returns every distinct rule in insertion order.
func (f *Forest) Records() []*core.RuleInfo {
	out := make([]*core.RuleInfo, 0, len(f.records)-1)
	return append(out, f.records[1:]...)
}

// Len returns the number of tree positions.
func (f *Forest) Len() int {
	return len(f.nodes) - 1
}

// RecordCount returns the number of distinct rules.
func (f *Forest) RecordCount() int {
	return len(f.records) - 1
}

// Matcher returns the pattern-match capability of the forest.
func (f *Forest) Matcher() Matcher {
	return f.matcher
}

// RootForCategory returns the first root whose category is category.
func (f *Forest) RootForCategory(category string) NodeID {
	for n := f.head; n != NoNode; n = f.nodes[n].next {
		if f.records[f.nodes[n].record].Category == category {
			return n
		}
	}
	return NoNode
}

// FindBySigID returns the first node, in pre-order from start, whose rule has
// the given sigid. A zero start searches the whole forest.
func (f *Forest) FindBySigID(sigid int, start NodeID) NodeID {
	if start == NoNode {
		start = f.head
	}
	found := NoNode
	f.walkFrom(start, func(id NodeID, _ int) bool {
		if f.records[f.nodes[id].record].SigID == sigid {
			found = id
			return false
		}
		return true
	})
	return found
}

// Walk visits every node in pre-order (a node, then its children, then its
// next sibling) with its depth. Returning false stops the walk.
func (f *Forest) Walk(fn func(id NodeID, depth int) bool) {
	f.walkFrom(f.head, fn)
}

// walkFrom walks the sibling chain starting at start and all descendants.
// It uses an explicit stack: rule files are untrusted and may nest deeply.
func (f *Forest) walkFrom(start NodeID, fn func(id NodeID, depth int) bool) {
	if !f.valid(start) {
		return
	}
	type frame struct {
		id    NodeID
		depth int
	}
	stack := []frame{{start, 0}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !fn(top.id, top.depth) {
			return
		}
		n := f.nodes[top.id]
		if n.next != NoNode {
			stack = append(stack, frame{n.next, top.depth})
		}
		if n.child != NoNode {
			stack = append(stack, frame{n.child, top.depth + 1})
		}
	}
}

// Parent returns the node whose child chain contains id, or NoNode for roots
// and unknown handles.
func (f *Forest) Parent(id NodeID) NodeID {
	parent := NoNode
	f.Walk(func(n NodeID, _ int) bool {
		for c := f.nodes[n].child; c != NoNode; c = f.nodes[c].next {
			if c == id {
				parent = n
				return false
			}
		}
		return true
	})
	return parent
}

func (f *Forest) valid(id NodeID) bool {
	return id > 0 && int(id) < len(f.nodes)
}

func (f *Forest) addRecord(rule *core.RuleInfo) RecordID {
	f.records = append(f.records, rule)
	return RecordID(len(f.records) - 1)
}

func (f *Forest) newNode(rec RecordID) NodeID {
	f.nodes = append(f.nodes, node{record: rec})
	return NodeID(len(f.nodes) - 1)
}
