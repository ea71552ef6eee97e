package core

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Predicate is a compiled rule condition supplied by the rule parser.
type Predicate interface {
	Eval(ev *Event) bool
}

// PredicateFunc adapts a function to Predicate
type PredicateFunc func(ev *Event) bool

// Eval calls f(ev).
func (f PredicateFunc) Eval(ev *Event) bool {
	return f(ev)
}

// RuleInfo is the definition of a single rule together with its runtime
// correlation state. A RuleInfo handed to a forest is owned by it; several
// tree positions may reference the same RuleInfo.
type RuleInfo struct {
	SigID       int    `yaml:"id" json:"id" validate:"required,gt=0"`
	Level       int    `yaml:"-" json:"level" validate:"gte=0"`
	Category    string `yaml:"category" json:"category" validate:"required_without=IfSID"`
	Group       string `yaml:"group,omitempty" json:"group,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Comment     string `yaml:"comment,omitempty" json:"comment,omitempty"`
	Info        string `yaml:"info,omitempty" json:"info,omitempty"`
	CVE         string `yaml:"cve,omitempty" json:"cve,omitempty"`

	// Correlation targets. Precedence when several are set: IfSID, IfLevel, IfGroup.
	IfSID   string `yaml:"if_sid,omitempty" json:"if_sid,omitempty"`
	IfLevel string `yaml:"if_level,omitempty" json:"if_level,omitempty"`
	IfGroup string `yaml:"if_group,omitempty" json:"if_group,omitempty"`

	// Correlation sources: this rule fires only after the named rule or group did.
	IfMatchedSID   int    `yaml:"if_matched_sid,omitempty" json:"if_matched_sid,omitempty" validate:"gte=0"`
	IfMatchedGroup string `yaml:"if_matched_group,omitempty" json:"if_matched_group,omitempty"`
	IfMatchedRegex string `yaml:"if_matched_regex,omitempty" json:"if_matched_regex,omitempty"`

	Frequency      int      `yaml:"frequency,omitempty" json:"frequency,omitempty" validate:"gte=0"`
	Timeframe      int      `yaml:"timeframe,omitempty" json:"timeframe,omitempty" validate:"gte=0"`
	MaxSize        int      `yaml:"maxsize,omitempty" json:"maxsize,omitempty" validate:"gte=0"`
	FiredTimes     int64    `yaml:"-" json:"-"`
	IgnoreTime     int      `yaml:"ignore,omitempty" json:"ignore,omitempty" validate:"gte=0"`
	TimeIgnored    int64    `yaml:"-" json:"-"`
	SameFields     []string `yaml:"same_fields,omitempty" json:"same_fields,omitempty"`
	NotSameFields  []string `yaml:"not_same_fields,omitempty" json:"not_same_fields,omitempty"`
	IgnoreFields   []string `yaml:"ignore_fields,omitempty" json:"ignore_fields,omitempty"`
	CKIgnoreFields []string `yaml:"check_if_ignored,omitempty" json:"check_if_ignored,omitempty"`

	Match       string            `yaml:"match,omitempty" json:"match,omitempty"`
	Regex       string            `yaml:"regex,omitempty" json:"regex,omitempty"`
	DecodedAs   string            `yaml:"decoded_as,omitempty" json:"decoded_as,omitempty"`
	ProgramName string            `yaml:"program_name,omitempty" json:"program_name,omitempty"`
	Hostname    string            `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	User        string            `yaml:"user,omitempty" json:"user,omitempty"`
	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	ID          string            `yaml:"event_id,omitempty" json:"event_id,omitempty"`
	Status      string            `yaml:"status,omitempty" json:"status,omitempty"`
	ExtraData   string            `yaml:"extra_data,omitempty" json:"extra_data,omitempty"`
	SrcIP       []string          `yaml:"srcip,omitempty" json:"srcip,omitempty" validate:"omitempty,dive,ip|cidr"`
	DstIP       []string          `yaml:"dstip,omitempty" json:"dstip,omitempty" validate:"omitempty,dive,ip|cidr"`
	SrcPort     string            `yaml:"srcport,omitempty" json:"srcport,omitempty"`
	DstPort     string            `yaml:"dstport,omitempty" json:"dstport,omitempty"`
	Fields      map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Location    string            `yaml:"location,omitempty" json:"location,omitempty"`
	Lists       []string          `yaml:"lists,omitempty" json:"lists,omitempty"`

	Action         string      `yaml:"action,omitempty" json:"action,omitempty"`
	ActiveResponse []string    `yaml:"active_response,omitempty" json:"active_response,omitempty"`
	File           string      `yaml:"-" json:"file,omitempty"`
	AlertOpts      AlertOption `yaml:"-" json:"-"`

	Compiled Predicate `yaml:"-" json:"-"`

	// Match history handles wired by the correlation marker.
	SIDPrevMatched   *MatchList   `yaml:"-" json:"-"`
	SIDSearch        *MatchList   `yaml:"-" json:"-"`
	GroupPrevMatched []*MatchList `yaml:"-" json:"-"`
	GroupSearch      *MatchList   `yaml:"-" json:"-"`
}

var (
	ruleValidator     *validator.Validate
	ruleValidatorOnce sync.Once
)

// Validate checks the structural constraints of a rule definition.
func (r *RuleInfo) Validate() error {
	if r == nil {
		return ErrNilRule
	}
	ruleValidatorOnce.Do(func() {
		ruleValidator = validator.New()
	})
	if err := ruleValidator.Struct(r); err != nil {
		return fmt.Errorf("rule %d failed validation: %w", r.SigID, err)
	}
	if r.Level > MaxLevel*LevelScale {
		return fmt.Errorf("rule %d: level %d exceeds maximum %d", r.SigID, r.Severity(), MaxLevel)
	}
	if r.IfMatchedSID != 0 && r.IfMatchedSID == r.SigID {
		return fmt.Errorf("rule %d: if_matched_sid references itself", r.SigID)
	}
	return nil
}

// Severity returns the configured level, undoing LevelScale.
func (r *RuleInfo) Severity() int {
	return r.Level / LevelScale
}

// HasCorrelation reports whether the rule names a parent through if_sid,
// if_level or if_group.
func (r *RuleInfo) HasCorrelation() bool {
	return r.IfSID != "" || r.IfLevel != "" || r.IfGroup != ""
}

// IsOverwrite reports whether the rule replaces an existing definition.
func (r *RuleInfo) IsOverwrite() bool {
	return r.AlertOpts.Has(DoOverwrite)
}

// IfSIDs parses the comma or space separated if_sid list.
func (r *RuleInfo) IfSIDs() ([]int, error) {
	return ParseSigIDList(r.IfSID)
}

// IfLevelThreshold returns the if_level threshold on the internal level scale.
func (r *RuleInfo) IfLevelThreshold() (int, error) {
	level, err := strconv.Atoi(strings.TrimSpace(r.IfLevel))
	if err != nil || level <= 0 {
		return 0, ErrInvalidLevel
	}
	return level * LevelScale, nil
}

// ParseSigIDList splits a list of signature ids separated by commas and/or
// spaces. Any other character is rejected.
func ParseSigIDList(list string) ([]int, error) {
	var ids []int
	for _, tok := range strings.FieldsFunc(list, func(c rune) bool { return c == ',' || c == ' ' }) {
		for _, c := range tok {
			if c < '0' || c > '9' {
				return nil, ErrInvalidSigID
			}
		}
		id, err := strconv.Atoi(tok)
		if err != nil {
			return nil, ErrInvalidSigID
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FirstSigID returns the first id of an if_sid list, or 0 when the list is
// empty or malformed. Reclassification uses it to find a rule's anchor.
func FirstSigID(list string) int {
	ids, err := ParseSigIDList(list)
	if err != nil || len(ids) == 0 {
		return 0
	}
	return ids[0]
}

// GroupPrevMatchedSize returns the number of group histories fed by this rule.
func (r *RuleInfo) GroupPrevMatchedSize() int {
	return len(r.GroupPrevMatched)
}

// String returns a short identification of the rule.
func (r *RuleInfo) String() string {
	return fmt.Sprintf("rule %d (level %d, category %s)", r.SigID, r.Severity(), r.Category)
}
