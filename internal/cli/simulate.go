package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"gold-price-alerts/internal/app"
)

var (
	simulateEstimate int64
	simulatePrevious int64
	simulateSend     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "按给定估价合成一条价格消息",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateEstimate <= 0 {
			return errors.New("--estimate 必须大于 0")
		}
		if simulatePrevious < 0 {
			return errors.New("--previous 不能为负数")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Estimate: simulateEstimate,
			Previous: simulatePrevious,
			Send:     simulateSend,
		})
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateEstimate, "estimate", 0, "当前估价 (toman per mesghal)")
	simulateCmd.Flags().Int64Var(&simulatePrevious, "previous", 0, "上一次估价, 用于涨跌方向")
	simulateCmd.Flags().BoolVar(&simulateSend, "send", false, "推送到 Telegram 频道而不是打印")
}
