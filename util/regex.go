package util

import (
	"fmt"
	"regexp"
	"strings"
)

// Limits applied by AnalyzePattern
const (
	MaxRegexLength  = 1024
	MaxRegexNesting = 4
)

// nestedQuantifiers match a quantified group that itself ends in a
// quantifier, such as (a+)+ or (\w*)*. These backtrack catastrophically.
var nestedQuantifiers = []*regexp.Regexp{
	regexp.MustCompile(`\([^)]*[*+]\)[*+]`),
	regexp.MustCompile(`\([^)]*\?\)[*+]`),
	regexp.MustCompile(`\([^)]*\{[^}]*\}\)[*+{]`),
}

// ComplexityReport describes the backtracking risk of a regex pattern
type ComplexityReport struct {
	Pattern              string
	Length               int
	NestingDepth         int
	HasNestedQuantifiers bool
	QuantifierCount      int
	AlternationCount     int
	IsSafe               bool
	Warnings             []string
}

// AnalyzePattern analyzes a regex pattern and returns a complexity report.
// It does not compile the pattern.
func AnalyzePattern(pattern string) ComplexityReport {
	report := ComplexityReport{
		Pattern:          pattern,
		Length:           len(pattern),
		AlternationCount: strings.Count(pattern, "|"),
	}

	depth := 0
	escaped := false
	for _, char := range pattern {
		if escaped {
			escaped = false
			continue
		}
		switch char {
		case '\\':
			escaped = true
		case '(':
			depth++
			if depth > report.NestingDepth {
				report.NestingDepth = depth
			}
		case ')':
			depth--
		case '*', '+', '?':
			report.QuantifierCount++
		}
	}

	for _, re := range nestedQuantifiers {
		if re.MatchString(pattern) {
			report.HasNestedQuantifiers = true
			report.Warnings = append(report.Warnings, "contains nested quantifiers")
			break
		}
	}
	if report.NestingDepth > MaxRegexNesting {
		report.Warnings = append(report.Warnings, fmt.Sprintf("excessive nesting depth: %d", report.NestingDepth))
	}
	if report.Length > MaxRegexLength {
		report.Warnings = append(report.Warnings, fmt.Sprintf("pattern too long: %d characters", report.Length))
	}

	report.IsSafe = len(report.Warnings) == 0
	return report
}
