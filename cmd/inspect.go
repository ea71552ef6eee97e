package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"analysisd/detect"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// forestSummary is the JSON form of a loaded forest
type forestSummary struct {
	Records    int            `json:"records"`
	Nodes      int            `json:"nodes"`
	Roots      int            `json:"roots"`
	Categories map[string]int `json:"categories"`
}

func summarize(f *detect.Forest) forestSummary {
	s := forestSummary{
		Records:    f.RecordCount(),
		Nodes:      f.Len(),
		Roots:      len(f.Roots()),
		Categories: make(map[string]int),
	}
	for _, r := range f.Records() {
		s.Categories[r.Category]++
	}
	return s
}

// loadForest builds the configured forest for the read-only commands. The
// alert database is never opened.
func loadForest(cmd *cobra.Command, progress bool) (*detect.Forest, error) {
	cfg, sugar, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Output.SQLitePath = ""

	if progress && !outputJSON {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		s.Suffix = " Loading rules..."
		s.Start()
		defer s.Stop()
	}

	app, err := initApp(context.Background(), cfg, sugar)
	if err != nil {
		return nil, err
	}
	return app.Forest(), nil
}

// newValidateCmd creates the 'validate' subcommand
func newValidateCmd() *cobra.Command {
	var progress bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the rules and report errors",
		Long:  "Load every configured rule file into a fresh forest and report the first fatal error, or a summary when loading succeeds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadForest(cmd, progress)
			if err != nil {
				return err
			}

			summary := summarize(f)
			if outputJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
			}
			renderSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&progress, "progress", false, "Show a spinner while the rules load")
	return cmd
}

// newTreeCmd creates the 'tree' subcommand
func newTreeCmd() *cobra.Command {
	var (
		category string
		maxDepth int
	)

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the rule forest",
		Long:  "Print every tree of the rule forest in evaluation order, one rule per line indented by depth.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadForest(cmd, false)
			if err != nil {
				return err
			}

			if category != "" && f.RootForCategory(category) == detect.NoNode {
				return fmt.Errorf("no root rule for category %q", category)
			}
			renderTree(cmd.OutOrStdout(), f, category, maxDepth)
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Only print trees of this category")
	cmd.Flags().IntVar(&maxDepth, "depth", 0, "Maximum depth to print (0 for unlimited)")
	return cmd
}

// newLookupCmd creates the 'lookup' subcommand
func newLookupCmd() *cobra.Command {
	var sid int

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show a rule and every position it occupies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sid <= 0 {
				return fmt.Errorf("--sid must be a positive rule id")
			}
			f, err := loadForest(cmd, false)
			if err != nil {
				return err
			}

			positions := rulePositions(f, sid)
			if len(positions) == 0 {
				return fmt.Errorf("rule %d not found", sid)
			}
			rule := f.Rule(f.FindBySigID(sid, detect.NoNode))
			if outputJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
					Rule  any     `json:"rule"`
					Paths [][]int `json:"paths"`
				}{rule, positions})
			}
			renderRuleDetails(cmd.OutOrStdout(), rule, positions)
			return nil
		},
	}

	cmd.Flags().IntVar(&sid, "sid", 0, "Rule id to look up")
	_ = cmd.MarkFlagRequired("sid")
	return cmd
}

// rulePositions returns the root-to-node sigid path of every node holding sid.
func rulePositions(f *detect.Forest, sid int) [][]int {
	var paths [][]int
	var stack []int
	f.Walk(func(id detect.NodeID, depth int) bool {
		stack = append(stack[:depth], f.Rule(id).SigID)
		if f.Rule(id).SigID == sid {
			paths = append(paths, append([]int(nil), stack...))
		}
		return true
	})
	return paths
}
