package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hedgecore",
	Short: "跨账户对冲执行核心",
	Long: `hedgecore 负责本地与远端之间的持仓/策略同步、追踪止损维护，
以及带安全检查与回滚的跨账户再平衡执行。`,
	SilenceUsage: true,
}

// Execute 执行根命令。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认查找 configs/config.yaml")
	rootCmd.AddCommand(newRunCmd(), newCheckPlanCmd(), newConfigCmd())
}
