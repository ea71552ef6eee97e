package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"analysisd/core"
	"analysisd/detect"
	"analysisd/storage"
)

// renderSummary displays the outcome of a successful load
func renderSummary(w io.Writer, s forestSummary) {
	successColor.Fprintln(w, "✓ Rules loaded")
	printField(w, "Rules", fmt.Sprintf("%d", s.Records))
	printField(w, "Tree positions", fmt.Sprintf("%d", s.Nodes))
	printField(w, "Roots", fmt.Sprintf("%d", s.Roots))
	fmt.Fprintln(w)

	printSection(w, "Rules per category")
	categories := make([]string, 0, len(s.Categories))
	for c := range s.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		printField(w, c, fmt.Sprintf("%d", s.Categories[c]))
	}
}

// renderTree prints the forest in evaluation order. An empty category prints
// every tree; maxDepth 0 prints every level.
func renderTree(w io.Writer, f *detect.Forest, category string, maxDepth int) {
	include := false
	f.Walk(func(id detect.NodeID, depth int) bool {
		rule := f.Rule(id)
		if depth == 0 {
			include = category == "" || rule.Category == category
			if include {
				headerColor.Fprintf(w, "[%s]\n", rule.Category)
			}
		}
		if !include || (maxDepth > 0 && depth >= maxDepth) {
			return true
		}
		fmt.Fprintf(w, "%s%-8d %s %s\n",
			strings.Repeat("  ", depth),
			rule.SigID,
			formatLevel(rule.Severity()),
			rule.Description)
		return true
	})
}

// renderAlerts lists stored alerts and the per-rule summary
func renderAlerts(w io.Writer, total int64, alerts []core.Alert, counts []storage.RuleCount) {
	printField(w, "Stored alerts", fmt.Sprintf("%d", total))
	if total == 0 {
		return
	}
	fmt.Fprintln(w)

	printSection(w, "Recent alerts")
	for _, a := range alerts {
		fmt.Fprintf(w, "  %s  %-8d %s %s\n",
			a.Timestamp.Format("2006-01-02 15:04:05"),
			a.SigID,
			formatLevel(a.Level),
			a.Description)
		infoColor.Fprintf(w, "      %s\n", formatPath(a.Path))
	}
	fmt.Fprintln(w)

	printSection(w, "Top rules")
	for _, c := range counts {
		fmt.Fprintf(w, "  %-8d %s %6d  %s\n", c.SigID, formatLevel(c.Level), c.Count, c.Description)
	}
}

// renderRuleDetails displays a rule and the paths leading to it
func renderRuleDetails(w io.Writer, rule *core.RuleInfo, paths [][]int) {
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	headerColor.Fprintf(w, "  Rule %d\n", rule.SigID)
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	printSection(w, "Definition")
	printField(w, "Level", formatLevel(rule.Severity()))
	printField(w, "Category", rule.Category)
	printField(w, "Description", rule.Description)
	if rule.Group != "" {
		printField(w, "Groups", strings.Join(core.SplitGroups(rule.Group), ", "))
	}
	if rule.File != "" {
		printField(w, "File", rule.File)
	}
	printField(w, "Overwritten", formatBool(rule.IsOverwrite()))
	fmt.Fprintln(w)

	printSection(w, "Placement")
	switch {
	case rule.IfSID != "":
		printField(w, "if_sid", rule.IfSID)
	case rule.IfLevel != "":
		printField(w, "if_level", rule.IfLevel)
	case rule.IfGroup != "":
		printField(w, "if_group", rule.IfGroup)
	default:
		printField(w, "category", rule.Category)
	}
	for _, p := range paths {
		printField(w, "Path", formatPath(p))
	}
	fmt.Fprintln(w)

	if rule.IfMatchedSID != 0 || rule.IfMatchedGroup != "" {
		printSection(w, "Correlation")
		if rule.IfMatchedSID != 0 {
			printField(w, "if_matched_sid", fmt.Sprintf("%d", rule.IfMatchedSID))
		}
		if rule.IfMatchedGroup != "" {
			printField(w, "if_matched_group", rule.IfMatchedGroup)
		}
		printField(w, "Frequency", fmt.Sprintf("%d", rule.Frequency))
		printField(w, "Timeframe", fmt.Sprintf("%ds", rule.Timeframe))
		if len(rule.SameFields) > 0 {
			printField(w, "Same fields", strings.Join(rule.SameFields, ", "))
		}
		if len(rule.NotSameFields) > 0 {
			printField(w, "Different fields", strings.Join(rule.NotSameFields, ", "))
		}
		fmt.Fprintln(w)
	}
}

func printSection(w io.Writer, title string) {
	infoColor.Fprintf(w, "▸ %s\n", title)
}

func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "-"
	}
	fmt.Fprintf(w, "  %-18s %s\n", key+":", value)
}

// formatLevel colors a severity by band
func formatLevel(level int) string {
	text := fmt.Sprintf("(%2d)", level)
	switch {
	case level >= 12:
		return errorColor.Sprint(text)
	case level >= 7:
		return warningColor.Sprint(text)
	case level == 0:
		return text
	}
	return infoColor.Sprint(text)
}

func formatBool(b bool) string {
	if b {
		return successColor.Sprint("Yes")
	}
	return "No"
}

func formatPath(path []int) string {
	parts := make([]string, len(path))
	for i, sid := range path {
		parts[i] = fmt.Sprintf("%d", sid)
	}
	return strings.Join(parts, " → ")
}
