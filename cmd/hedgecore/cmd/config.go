package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hedge-core/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "配置相关工具",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "加载并校验配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "配置有效")
			return nil
		},
	})
	return cmd
}
