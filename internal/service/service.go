package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/alerting"
	"github.com/testgpt852-arch/korea-stock-bot/internal/config"
	"github.com/testgpt852-arch/korea-stock-bot/internal/detector"
	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
	"github.com/testgpt852-arch/korea-stock-bot/internal/scheduler"
	"github.com/testgpt852-arch/korea-stock-bot/internal/storage"
	"github.com/testgpt852-arch/korea-stock-bot/internal/trader"
)

// Streamer is the realtime subscription surface the service drives.
type Streamer interface {
	Connect(ctx context.Context) error
	SetWatchlist(symbols []string) error
	Disconnect() error
}

// SectorResolver maps a symbol to its sector for concentration limits.
// A nil resolver leaves every symbol sectorless.
type SectorResolver func(symbol string) string

// Deps collects the service's collaborators. Optional fields may be nil:
// storage, notifier, stream, and the whole trading stack degrade to
// detection-and-log-only behaviour.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Quotes     market.QuoteSource
	Detector   *detector.SpikeDetector
	Stream     Streamer
	Manager    *trader.Manager
	Judge      trader.Judge
	AlertStore storage.AlertStore
	Notifier   alerting.Notifier
	Sectors    SectorResolver
}

// Service orchestrates the poll cycle: fetch ranked quotes, detect
// spikes, notify, admit trades, reconcile the tick watchlist, and run the
// exit pass.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	marketCode string
	regime     market.Regime
	buyAmount  decimal.Decimal
	channels   []string
	alertsOn   bool
	tradingOn  bool
	locker     storage.AdvisoryLocker
	lockKey    int64

	watch []string
}

// New constructs the orchestration service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.AlertStore.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		deps:       deps,
		logger:     logging.Component(logger, "service"),
		marketCode: cfg.App.MarketCode,
		regime:     market.ParseRegime(cfg.App.Regime),
		buyAmount:  decimal.NewFromInt(cfg.Trader.BuyAmount),
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		tradingOn:  cfg.Trader.Enabled && deps.Manager != nil,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run starts the session and blocks on the poll loop until ctx is
// cancelled, then tears the session down.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	err := s.deps.Scheduler.Run(ctx, s.ProcessCycle)
	s.Stop()
	return err
}

// Start opens the realtime session and resets per-day trading state.
func (s *Service) Start(ctx context.Context) error {
	if s.deps.Manager != nil {
		s.deps.Manager.ResetDay()
	}
	if s.deps.Stream != nil {
		if err := s.deps.Stream.Connect(ctx); err != nil {
			return fmt.Errorf("connect stream: %w", err)
		}
	}
	s.logger.Info().Str("regime", string(s.regime)).Bool("trading", s.tradingOn).Msg("session started")
	return nil
}

// Stop liquidates what the judge allows, drains the deferred registry,
// and closes the realtime session. Detection state is reset last so a
// later session starts from a clean warm-up.
func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.tradingOn {
		exits := s.deps.Manager.ForceCloseAll(ctx, s.deps.Judge, s.regime)
		exits = append(exits, s.deps.Manager.FinalCloseAll(ctx)...)
		for i := range exits {
			s.notifyExit(ctx, exits[i])
		}
	}
	if s.deps.Stream != nil {
		if err := s.deps.Stream.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("stream disconnect failed")
		}
	}
	if s.deps.Detector != nil {
		s.deps.Detector.Reset()
	}
	s.watch = nil
	s.logger.Info().Msg("session stopped")
}

// ProcessCycle runs one poll iteration.
func (s *Service) ProcessCycle(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", at).Msg("skip cycle, advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, at)
}

func (s *Service) executeCycle(ctx context.Context, at time.Time) error {
	// A ranked-feed outage means no new observations this cycle, nothing
	// more. Open positions still get their exit pass below: CheckExits
	// prices each position through its own lookup, independent of the feed.
	quotes, pollErr := s.deps.Quotes.PollRanked(ctx, s.marketCode)
	if pollErr != nil {
		s.logger.Warn().Err(pollErr).Msg("ranked poll failed, managing open positions only")
	}

	var alerts []market.Alert
	if pollErr == nil {
		alerts = s.deps.Detector.ProcessBatch(quotes, at)
		for i := range alerts {
			s.handleAlert(ctx, alerts[i])
		}

		if len(alerts) > 0 && s.deps.Stream != nil {
			for i := range alerts {
				s.addToWatch(alerts[i].Symbol)
			}
			if err := s.deps.Stream.SetWatchlist(s.watch); err != nil {
				s.logger.Warn().Err(err).Msg("watchlist update failed")
			}
		}
	}

	if s.tradingOn {
		for _, exit := range s.deps.Manager.CheckExits(ctx) {
			s.notifyExit(ctx, exit)
		}
	}

	if pollErr != nil {
		return fmt.Errorf("poll ranked quotes: %w", pollErr)
	}

	s.logger.Info().Time("cycle", at).Int("quotes", len(quotes)).Int("alerts", len(alerts)).
		Msg("cycle complete")
	return nil
}

// HandleTick feeds one realtime trade event through the detector. Runs on
// the stream's read goroutine, so the work is bounded by a short timeout.
func (s *Service) HandleTick(tick market.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alert := s.deps.Detector.HandleTick(tick, time.Now())
	if alert == nil {
		return
	}
	s.handleAlert(ctx, *alert)
}

// handleAlert fans one detection out: notify, persist, and attempt entry.
// Each leg is best-effort; a failed notification never blocks a trade.
func (s *Service) handleAlert(ctx context.Context, alert market.Alert) {
	s.logger.Info().
		Str("symbol", alert.Symbol).
		Str("source", string(alert.Source)).
		Float64("change_pct", alert.ChangePct).
		Float64("acceleration_pct", alert.AccelerationPct).
		Msg("spike detected")

	if s.alertsOn && s.deps.Notifier != nil {
		note := alerting.Notification{Kind: alerting.KindSpike, Alert: &alert, Channels: s.channels}
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("symbol", alert.Symbol).Msg("spike notification failed")
		}
	}

	if s.deps.AlertStore != nil {
		if err := s.deps.AlertStore.InsertAlert(ctx, alert); err != nil {
			s.logger.Error().Err(err).Str("symbol", alert.Symbol).Msg("alert persistence failed")
		}
	}

	if s.tradingOn {
		s.tryEnter(ctx, alert)
	}
}

// tryEnter runs the admission pipeline for one alert. A judge failure
// abstains: no judgment reaches CanOpen and only structural checks apply,
// but a skip verdict is final.
func (s *Service) tryEnter(ctx context.Context, alert market.Alert) {
	var judgment *trader.Judgment
	if s.deps.Judge != nil {
		j, err := s.deps.Judge.JudgeEntry(ctx, alert, s.regime)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", alert.Symbol).Msg("entry judgment failed, abstaining")
		} else {
			if j.Verdict == trader.VerdictSkip {
				s.logger.Info().Str("symbol", alert.Symbol).Str("reason", j.Reason).Msg("entry skipped by judge")
				return
			}
			judgment = &j
		}
	}

	sector := ""
	if s.deps.Sectors != nil {
		sector = s.deps.Sectors(alert.Symbol)
	}

	ok, reason := s.deps.Manager.CanOpen(ctx, alert, sector, judgment, s.regime)
	if !ok {
		s.logger.Info().Str("symbol", alert.Symbol).Str("reason", reason).Msg("entry rejected")
		return
	}

	qty := s.quantityFor(alert.Price)
	if qty <= 0 {
		s.logger.Warn().Str("symbol", alert.Symbol).Str("price", alert.Price.String()).
			Msg("buy amount too small for one share")
		return
	}

	pos, err := s.deps.Manager.Open(ctx, alert, sector, qty, judgment, s.regime)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", alert.Symbol).Msg("entry order failed")
		return
	}

	if s.alertsOn && s.deps.Notifier != nil {
		text := fmt.Sprintf("[Entry] %s (%s) x %d @ %s, stop %s",
			pos.Name, pos.Symbol, pos.Quantity, pos.EntryPrice.String(), pos.StopPrice.String())
		note := alerting.Notification{Kind: alerting.KindText, Text: text, Channels: s.channels}
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("entry notification failed")
		}
	}
}

func (s *Service) notifyExit(ctx context.Context, exit trader.ExitRecord) {
	s.logger.Info().
		Str("symbol", exit.Symbol).
		Str("reason", string(exit.Reason)).
		Float64("profit_pct", exit.ProfitPct).
		Msg("position exited")

	if !s.alertsOn || s.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{Kind: alerting.KindTrade, Exit: &exit, Channels: s.channels}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("symbol", exit.Symbol).Msg("exit notification failed")
	}
}

func (s *Service) quantityFor(price decimal.Decimal) int64 {
	if price.IsZero() {
		return 0
	}
	return s.buyAmount.Div(price).IntPart()
}

func (s *Service) addToWatch(symbol string) {
	for _, w := range s.watch {
		if w == symbol {
			return
		}
	}
	s.watch = append(s.watch, symbol)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
