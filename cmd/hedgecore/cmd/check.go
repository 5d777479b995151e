package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"hedge-core/internal/app"
	"hedge-core/internal/config"
	"hedge-core/internal/position"
	"hedge-core/internal/risk"
)

func newCheckPlanCmd() *cobra.Command {
	var accountsPath string
	cmd := &cobra.Command{
		Use:   "check-plan <plan.yaml>",
		Short: "对再平衡计划做离线安全检查，不下发任何命令",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			plan, err := app.LoadPlan(args[0])
			if err != nil {
				return err
			}
			var accounts map[string]position.AccountBalance
			if accountsPath != "" {
				if accounts, err = app.LoadAccounts(accountsPath); err != nil {
					return err
				}
			}

			report := risk.NewSafetyChecker(cfg.Risk, nil, nil).Check(cmd.Context(), plan, accounts)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Blocking() {
				return fmt.Errorf("计划 %s 未通过安全检查: %s", plan.ID, report.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountsPath, "accounts", "", "账户快照 YAML 文件")
	return cmd
}
