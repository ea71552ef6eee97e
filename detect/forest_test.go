package detect

import (
	"testing"

	"analysisd/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRule(sid, level int, category string) *core.RuleInfo {
	return &core.RuleInfo{SigID: sid, Level: level * core.LevelScale, Category: category}
}

func sigids(f *Forest, ids []NodeID) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.Rule(id).SigID)
	}
	return out
}

// buildSample returns:
//
//	1 (syslog, 0)
//	├── 100 (5)
//	│   └── 110 (7)
//	└── 101 (3)
//	2 (web, 0)
//	└── 200 (6)
func buildSample(t *testing.T) *Forest {
	t.Helper()
	f := NewForest()
	require.NoError(t, f.AddRule(newRule(1, 0, "syslog")))
	require.NoError(t, f.AddRule(newRule(2, 0, "web")))
	require.NoError(t, f.AddChild(newRule(100, 5, "syslog")))
	require.NoError(t, f.AddChild(newRule(101, 3, "syslog")))
	require.NoError(t, f.AddChild(&core.RuleInfo{SigID: 110, Level: 700, IfSID: "100"}))
	require.NoError(t, f.AddChild(newRule(200, 6, "web")))
	return f
}

func TestNewForest_Empty(t *testing.T) {
	f := NewForest()
	assert.Equal(t, NoNode, f.Head())
	assert.Zero(t, f.Len())
	assert.Zero(t, f.RecordCount())
	assert.Empty(t, f.Records())
	assert.Nil(t, f.Rule(NoNode))
	assert.Equal(t, NoNode, f.FindBySigID(1, NoNode))
	assert.Equal(t, NoNode, f.RootForCategory("syslog"))
}

func TestForest_Accessors(t *testing.T) {
	f := buildSample(t)

	assert.Equal(t, []int{1, 2}, sigids(f, f.Roots()))
	root := f.RootForCategory("syslog")
	require.NotEqual(t, NoNode, root)
	assert.Equal(t, []int{100, 101}, sigids(f, f.Children(root)))
	assert.Equal(t, 6, f.Len())
	assert.Equal(t, 6, f.RecordCount())

	// out of range handles are rejected quietly
	assert.Equal(t, NoNode, f.Next(NodeID(99)))
	assert.Equal(t, NoNode, f.Child(NodeID(-1)))
	assert.Nil(t, f.Rule(NodeID(99)))
}

func TestRootForCategory(t *testing.T) {
	f := buildSample(t)

	web := f.RootForCategory("web")
	require.NotEqual(t, NoNode, web)
	assert.Equal(t, 2, f.Rule(web).SigID)
	assert.Equal(t, NoNode, f.RootForCategory("firewall"))
}

func TestFindBySigID(t *testing.T) {
	f := buildSample(t)

	for _, sid := range []int{1, 2, 100, 101, 110, 200} {
		id := f.FindBySigID(sid, NoNode)
		require.NotEqual(t, NoNode, id, "sid %d", sid)
		assert.Equal(t, sid, f.Rule(id).SigID)
		assert.Equal(t, id, f.FindBySigID(sid, NoNode), "repeated lookups agree")
	}
	assert.Equal(t, NoNode, f.FindBySigID(999, NoNode))
}

func TestFindBySigID_FromStart(t *testing.T) {
	f := buildSample(t)

	web := f.RootForCategory("web")
	assert.NotEqual(t, NoNode, f.FindBySigID(200, f.Child(web)))
	// the walk covers the start node's siblings and their subtrees, not earlier nodes
	assert.Equal(t, NoNode, f.FindBySigID(100, web))
}

func TestWalk_PreOrder(t *testing.T) {
	f := buildSample(t)

	var order []int
	var depths []int
	f.Walk(func(id NodeID, depth int) bool {
		order = append(order, f.Rule(id).SigID)
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []int{1, 100, 110, 101, 2, 200}, order)
	assert.Equal(t, []int{0, 1, 2, 1, 0, 1}, depths)
}

func TestWalk_Stop(t *testing.T) {
	f := buildSample(t)

	visited := 0
	f.Walk(func(NodeID, int) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

func TestWalk_DeepChainDoesNotRecurse(t *testing.T) {
	f := NewForest()
	require.NoError(t, f.AddRule(newRule(1, 0, "syslog")))

	const depth = 100000
	parent := f.Head()
	for sid := 100; sid < 100+depth; sid++ {
		parent = f.attach(parent, f.addRecord(newRule(sid, 1, "syslog")))
	}

	id := f.FindBySigID(100+depth-1, NoNode)
	require.NotEqual(t, NoNode, id)
	assert.Equal(t, parent, id)
}

func TestParent(t *testing.T) {
	f := buildSample(t)

	n110 := f.FindBySigID(110, NoNode)
	assert.Equal(t, 100, f.Rule(f.Parent(n110)).SigID)
	assert.Equal(t, NoNode, f.Parent(f.Head()))
}
