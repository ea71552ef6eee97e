package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"analysisd/core"
	"analysisd/storage"

	"github.com/spf13/cobra"
)

// newAlertsCmd creates the 'alerts' subcommand
func newAlertsCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
		top    int
	)

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show alerts stored by 'run'",
		Long:  "List the most recent alerts in the alert database, followed by the rules that fired most often.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sugar, err := loadConfig()
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.Output.SQLitePath
			}
			if dbPath == "" {
				return errors.New("no alert database: pass --db or set output.sqlite_path")
			}
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("alert database %s: %w", dbPath, err)
			}

			sqlite, err := storage.NewSQLite(dbPath, sugar)
			if err != nil {
				return err
			}
			defer sqlite.Close()
			store, err := storage.NewAlertStorage(sqlite, 1, sugar)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			total, err := store.GetAlertCount(ctx)
			if err != nil {
				return err
			}
			alerts, err := store.GetAlerts(ctx, limit)
			if err != nil {
				return err
			}
			counts, err := store.CountBySigID(ctx, top)
			if err != nil {
				return err
			}

			if outputJSON {
				if alerts == nil {
					alerts = []core.Alert{}
				}
				if counts == nil {
					counts = []storage.RuleCount{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
					Total  int64               `json:"total"`
					Alerts []core.Alert        `json:"alerts"`
					Rules  []storage.RuleCount `json:"rules"`
				}{total, alerts, counts})
			}
			renderAlerts(cmd.OutOrStdout(), total, alerts, counts)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Alert database path, overrides output.sqlite_path")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent alerts to list")
	cmd.Flags().IntVar(&top, "top", 10, "Number of rules in the per-rule summary")
	return cmd
}
