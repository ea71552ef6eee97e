package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"analysisd/core"

	"go.uber.org/zap"
)

// CheckRulePaths verifies that every configured rule path exists and is
// readable. This is a pre-flight check that runs before the forest is built.
func CheckRulePaths(paths []string, sugar *zap.SugaredLogger) error {
	if len(paths) == 0 {
		return errors.New("no rule paths configured\n" +
			"  Remediation: set rules.files in config.yaml or ANALYSISD_RULES")
	}

	for _, p := range paths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", p, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("rule path %s does not exist\n"+
					"  Remediation:\n"+
					"  - Check rules.files in config.yaml\n"+
					"  - For Docker: Check the ruleset volume mount", absPath)
			}
			return fmt.Errorf("cannot access rule path %s: %w", absPath, err)
		}

		if info.IsDir() {
			if _, err := os.ReadDir(absPath); err != nil {
				return fmt.Errorf("rule directory %s is not readable: %w\n"+
					"  Remediation: Run 'chmod -R u+r %s'", absPath, err, absPath)
			}
		}

		sugar.Debugw("Rule path ready", "path", absPath, "dir", info.IsDir())
	}
	return nil
}

// ClassifyRuleError provides a remediation hint for a failed rule load.
func ClassifyRuleError(err error) string {
	if err == nil {
		return ""
	}

	var re *core.RuleError
	if !errors.As(err, &re) {
		if containsIgnoreCase(err.Error(), "validation failed") {
			return fmt.Sprintf("%v\n"+
				"  A rule document does not follow the rule schema.\n"+
				"  Remediation:\n"+
				"  - Check property names and value types of the reported rule\n"+
				"  - Run 'analysisd validate' after editing", err)
		}
		return err.Error()
	}

	switch {
	case errors.Is(re.Err, core.ErrSigIDNotFound):
		return fmt.Sprintf("%v\n"+
			"  Rule %d refers to a rule that is not loaded yet.\n"+
			"  Remediation:\n"+
			"  - Load the file defining %s before the one defining %d\n"+
			"  - Files inside a directory load in lexical order", err, re.SigID, re.Value, re.SigID)
	case errors.Is(re.Err, core.ErrCategoryNotFound):
		return fmt.Sprintf("%v\n"+
			"  No root rule exists for the category of rule %d.\n"+
			"  Remediation:\n"+
			"  - Define a rule with an id below %d for the category\n"+
			"  - Or enable rules.implicit_roots", err, re.SigID, core.TemplateSigIDLimit)
	case errors.Is(re.Err, core.ErrLevelNotFound), errors.Is(re.Err, core.ErrGroupNotFound):
		return fmt.Sprintf("%v\n"+
			"  No loaded rule satisfies %s '%s'.\n"+
			"  Remediation: load the rules providing that %s first", err, re.Directive, re.Value, strings.TrimPrefix(re.Directive, "if_"))
	case errors.Is(re.Err, core.ErrInvalidSigID), errors.Is(re.Err, core.ErrInvalidLevel):
		return fmt.Sprintf("%v\n"+
			"  Remediation: %s must be a comma separated list of positive integers", err, re.Directive)
	}
	return err.Error()
}

// containsIgnoreCase checks if a string contains a substring (case-insensitive).
func containsIgnoreCase(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	if len(s) < len(substr) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if equalFoldAt(s, substr, i) {
			return true
		}
	}
	return false
}

func equalFoldAt(s, substr string, start int) bool {
	for i := 0; i < len(substr); i++ {
		c1, c2 := s[start+i], substr[i]
		if c1 == c2 {
			continue
		}
		if 'A' <= c1 && c1 <= 'Z' {
			c1 += 'a' - 'A'
		}
		if 'A' <= c2 && c2 <= 'Z' {
			c2 += 'a' - 'A'
		}
		if c1 != c2 {
			return false
		}
	}
	return true
}
