package core

import "strings"

const (
	// LevelScale is the factor between a rule's configured level and the
	// internal Level stored on RuleInfo. if_level thresholds use the same scale.
	LevelScale = 100

	// MaxLevel is the highest level a rule file may declare.
	MaxLevel = 16

	// TemplateSigIDLimit marks template rules: rules with a sigid below this
	// value are placed at the top of the forest instead of being attached as
	// children.
	TemplateSigIDLimit = 10

	// DefaultCategory is assigned to rules and events that name no category.
	DefaultCategory = "syslog"

	// DefaultHistorySize bounds each match history list when no size is configured.
	DefaultHistorySize = 1024
)

// AlertOption is a bit set of per-rule alerting flags.
type AlertOption uint16

const (
	// DoFTS marks the rule for first-time-seen tracking
	DoFTS AlertOption = 1 << iota
	// DoMailAlert forces an e-mail alert regardless of level
	DoMailAlert
	// DoLogAlert forces the alert to be logged
	DoLogAlert
	// NoAlert suppresses alerting for this rule
	NoAlert
	// DoOverwrite replaces an existing rule with the same sigid
	DoOverwrite
	// NoFullLog omits the full log line from the alert
	NoFullLog
	// NoCounter excludes the rule from fired-times accounting
	NoCounter
)

var alertOptionNames = map[string]AlertOption{
	"fts":            DoFTS,
	"alert_by_email": DoMailAlert,
	"log_alert":      DoLogAlert,
	"no_alert":       NoAlert,
	"overwrite":      DoOverwrite,
	"no_full_log":    NoFullLog,
	"no_counter":     NoCounter,
}

// Has reports whether all bits of o are set.
func (a AlertOption) Has(o AlertOption) bool {
	return a&o == o
}

// ParseAlertOptions converts option names into an AlertOption set.
// Unknown names are returned so the caller can report them.
func ParseAlertOptions(names []string) (AlertOption, []string) {
	var opts AlertOption
	var unknown []string
	for _, name := range names {
		opt, ok := alertOptionNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		opts |= opt
	}
	return opts, unknown
}
