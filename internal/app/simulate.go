package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
	"github.com/testgpt852-arch/korea-stock-bot/internal/service"
)

// SimulateAlert feeds two synthetic poll cycles through the real
// detection and notification pipeline: a warm-up snapshot at PrevPct and
// a second cycle at ChangePct. Whatever the detector decides is what gets
// delivered, so the command doubles as a threshold sanity check.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no notification channel configured")
	}

	// The second cycle also steps volume so the instant-volume gate sees
	// fresh turnover, not just a price move.
	quotes := &scriptedQuotes{batches: [][]market.Quote{
		{simQuote(opts.Symbol, opts.PrevPct, 400_000)},
		{simQuote(opts.Symbol, opts.ChangePct, 550_000)},
	}}

	svc := service.New(a.Config, service.Deps{
		Quotes:   quotes,
		Detector: a.newDetector(),
		Notifier: notifier,
	}, a.Logger)

	now := time.Now()
	if err := svc.ProcessCycle(ctx, now.Add(-a.Config.Scheduler.Interval)); err != nil {
		return err
	}
	return svc.ProcessCycle(ctx, now)
}

func simQuote(symbol string, changePct float64, cumVolume int64) market.Quote {
	price := decimal.NewFromInt(10_000)
	return market.Quote{
		Symbol:             symbol,
		Name:               "simulated " + symbol,
		Price:              price,
		OpenPrice:          price,
		ChangePct:          changePct,
		CumulativeVolume:   cumVolume,
		PriorSessionVolume: 1_000_000,
		Timestamp:          time.Now(),
	}
}

type scriptedQuotes struct {
	batches [][]market.Quote
	calls   int
}

func (s *scriptedQuotes) PollRanked(_ context.Context, _ string) ([]market.Quote, error) {
	if s.calls >= len(s.batches) {
		return nil, fmt.Errorf("no scripted batch for call %d", s.calls+1)
	}
	batch := s.batches[s.calls]
	s.calls++
	return batch, nil
}

var _ market.QuoteSource = (*scriptedQuotes)(nil)
