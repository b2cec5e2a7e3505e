package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/testgpt852-arch/korea-stock-bot/internal/app"
)

var (
	simulateSymbol string
	simulateChange float64
	simulatePrev   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Feed a synthetic spike through the detection pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol is required")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:    simulateSymbol,
			ChangePct: simulateChange,
			PrevPct:   simulatePrev,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "005930", "Ticker symbol to simulate")
	simulateCmd.Flags().Float64Var(&simulateChange, "change", 4.8, "Session change percent on the alert cycle")
	simulateCmd.Flags().Float64Var(&simulatePrev, "prev", 1.0, "Session change percent on the warm-up cycle")
}
