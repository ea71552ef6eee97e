package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Alert is the outcome of evaluating an event: the deepest rule that matched
// and the chain of rules walked to reach it.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	SigID       int       `json:"rule_id"`
	Level       int       `json:"level"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Groups      []string  `json:"groups,omitempty"`
	Path        []int     `json:"path"`
	Timestamp   time.Time `json:"timestamp"`
	Event       *Event    `json:"event,omitempty"`

	// Silent is set for level 0 rules and rules carrying the no_alert option.
	Silent bool `json:"-"`
}

// NewAlert builds an alert for rule. path lists the sigids from the root rule
// down to rule.
func NewAlert(rule *RuleInfo, path []int, ev *Event) *Alert {
	return &Alert{
		AlertID:     uuid.New().String(),
		SigID:       rule.SigID,
		Level:       rule.Severity(),
		Description: rule.Description,
		Category:    rule.Category,
		Groups:      SplitGroups(rule.Group),
		Path:        path,
		Timestamp:   time.Now().UTC(),
		Event:       ev,
		Silent:      rule.Level == 0 || rule.AlertOpts.Has(NoAlert),
	}
}

// SplitGroups splits a comma separated group list ("authentication_failed,sshd,").
func SplitGroups(group string) []string {
	var out []string
	for _, g := range strings.Split(group, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}
