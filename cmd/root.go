// Package cmd provides the command-line interface of analysisd.
package cmd

import (
	"context"
	"errors"
	"os"

	"analysisd/bootstrap"
	"analysisd/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	rulePaths  []string
	logLevel   string
	noColor    bool
	outputJSON bool
)

// NewRootCmd creates the analysisd command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "analysisd",
		Short: "HIDS rule correlation engine",
		Long: `analysisd loads HIDS rules into a correlation forest and evaluates decoded
events against it.

Rules hang beneath the rules they refine (if_sid, if_level, if_group) or beneath
the root of their category. An event descends the forest greedily and the
deepest matching rule raises the alert.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().StringSliceVar(&rulePaths, "rules", nil, "Rule files or directories, overrides rules.files")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides log.level")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newTreeCmd())
	root.AddCommand(newLookupCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newAlertsCmd())

	return root
}

// loadConfig resolves configuration and applies command-line overrides.
func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	// bootstrap logger until the configured level is known
	level := logLevel
	if level == "" {
		level = "warn"
	}
	_, sugar, err := bootstrap.InitLogger(level)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := bootstrap.InitConfig(configFile, sugar)
	if err != nil {
		return nil, nil, err
	}
	if len(rulePaths) > 0 {
		cfg.Rules.Files = rulePaths
	}
	if logLevel == "" {
		if _, sugar, err = bootstrap.InitLogger(cfg.Log.Level); err != nil {
			return nil, nil, err
		}
	}
	return cfg, sugar, nil
}

// initApp builds the application with the rule forest loaded.
func initApp(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*bootstrap.App, error) {
	if err := bootstrap.CheckRulePaths(cfg.Rules.Files, sugar); err != nil {
		return nil, err
	}
	app, err := bootstrap.NewApp(ctx, cfg, sugar)
	if err != nil {
		return nil, errors.New(bootstrap.ClassifyRuleError(err))
	}
	return app, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
