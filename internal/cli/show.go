package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testgpt852-arch/korea-stock-bot/internal/app"
)

var (
	showLimit  int
	showTrades bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts or trading history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Trades: showTrades,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showTrades, "trades", false, "Show trading history instead of alerts")
}
