package cli

import (
	"github.com/spf13/cobra"

	"perfwatch/internal/app"
)

var (
	setWarning  float64
	setCritical float64
	setBreaches int
	setNormal   int
	setEnabled  bool
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "List alert configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Configs(cmd.Context())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage alert configurations",
}

var configSetCmd = &cobra.Command{
	Use:   "set <metric>",
	Short: "Update thresholds, streaks or the enabled flag of one metric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ConfigSetOptions{Metric: args[0]}
		flags := cmd.Flags()

		// 只提交显式设置的字段
		if flags.Changed("warning") {
			opts.Update.Warning = &setWarning
		}
		if flags.Changed("critical") {
			opts.Update.Critical = &setCritical
		}
		if flags.Changed("breaches") {
			opts.Update.Breaches = &setBreaches
		}
		if flags.Changed("normal") {
			opts.Update.Normal = &setNormal
		}
		if flags.Changed("enabled") {
			opts.Update.Enabled = &setEnabled
		}

		return getApp().ConfigSet(cmd.Context(), opts)
	},
}

func init() {
	configSetCmd.Flags().Float64Var(&setWarning, "warning", 0, "Warning threshold")
	configSetCmd.Flags().Float64Var(&setCritical, "critical", 0, "Critical threshold")
	configSetCmd.Flags().IntVar(&setBreaches, "breaches", 0, "Consecutive breaches required to open an incident")
	configSetCmd.Flags().IntVar(&setNormal, "normal", 0, "Consecutive normal readings required to resolve")
	configSetCmd.Flags().BoolVar(&setEnabled, "enabled", true, "Whether the metric is evaluated")

	configCmd.AddCommand(configSetCmd)
}
