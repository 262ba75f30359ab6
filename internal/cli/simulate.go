package cli

import (
	"github.com/spf13/cobra"
)

var (
	simulateCoin     string
	simulateExchange string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "构造一次合成的虚假下跌并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateCoin, simulateExchange)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCoin, "coin", "SIMUSDT", "合成场景使用的币种")
	simulateCmd.Flags().StringVar(&simulateExchange, "exchange", "binance", "合成场景使用的交易所")
}
