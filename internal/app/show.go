package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/testgpt852-arch/korea-stock-bot/internal/storage"
)

type alertLister interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error)
}

type tradeLister interface {
	ListRecentTrades(ctx context.Context, limit int) ([]storage.TradeRecord, error)
}

// Show prints recent alerts, or trading history with --trades.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Trades {
		return a.showTrades(ctx, store, opts.Limit)
	}
	return a.showAlerts(ctx, store, opts.Limit)
}

func (a *App) showAlerts(ctx context.Context, store alertLister, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Detected (KST)\tSymbol\tName\tPrice\tChange%%\tAccel%%p\tVol%%\tSource\n")

	for _, rec := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%+.2f\t%+.2f\t%.0f\t%s\n",
			rec.DetectedAt.Format(time.RFC3339),
			rec.Symbol,
			sanitizeInline(rec.Name),
			rec.Price.StringFixed(0),
			rec.ChangePct,
			rec.AccelerationPct,
			rec.CumVolumeRatio*100,
			rec.Source,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showTrades(ctx context.Context, store tradeLister, limit int) error {
	trades, err := store.ListRecentTrades(ctx, limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(os.Stdout, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Opened (KST)\tSymbol\tName\tEntry\tExit\tQty\tP&L%\tReason\tStatus")

	for _, rec := range trades {
		exit := "-"
		if rec.ExitPrice != nil {
			exit = rec.ExitPrice.StringFixed(0)
		}
		profit := "-"
		if rec.ProfitPct != nil {
			profit = fmt.Sprintf("%+.2f", *rec.ProfitPct)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.OpenedAt.Format(time.RFC3339),
			rec.Symbol,
			sanitizeInline(rec.Name),
			rec.EntryPrice.StringFixed(0),
			exit,
			rec.Quantity,
			profit,
			rec.Reason,
			rec.Status,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
