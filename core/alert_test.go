package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAlert(t *testing.T) {
	rule := &RuleInfo{SigID: 5716, Level: 500, Category: "syslog", Group: "authentication_failed, sshd,", Description: "sshd: authentication failed."}
	ev := NewEvent()

	alert := NewAlert(rule, []int{1, 5700, 5716}, ev)
	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, 5716, alert.SigID)
	assert.Equal(t, 5, alert.Level)
	assert.Equal(t, []string{"authentication_failed", "sshd"}, alert.Groups)
	assert.Equal(t, []int{1, 5700, 5716}, alert.Path)
	assert.Same(t, ev, alert.Event)
	assert.False(t, alert.Silent)
}

func TestNewAlert_Silent(t *testing.T) {
	assert.True(t, NewAlert(&RuleInfo{SigID: 1}, nil, NewEvent()).Silent)
	assert.True(t, NewAlert(&RuleInfo{SigID: 2, Level: 300, AlertOpts: NoAlert}, nil, NewEvent()).Silent)
}

func TestSplitGroups(t *testing.T) {
	assert.Nil(t, SplitGroups(""))
	assert.Equal(t, []string{"a", "b"}, SplitGroups("a,,b,"))
}
