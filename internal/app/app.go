package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/testgpt852-arch/korea-stock-bot/internal/alerting"
	"github.com/testgpt852-arch/korea-stock-bot/internal/config"
	"github.com/testgpt852-arch/korea-stock-bot/internal/detector"
	"github.com/testgpt852-arch/korea-stock-bot/internal/kis"
	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
	"github.com/testgpt852-arch/korea-stock-bot/internal/ratelimit"
	"github.com/testgpt852-arch/korea-stock-bot/internal/scheduler"
	"github.com/testgpt852-arch/korea-stock-bot/internal/service"
	"github.com/testgpt852-arch/korea-stock-bot/internal/storage"
	"github.com/testgpt852-arch/korea-stock-bot/internal/stream"
	"github.com/testgpt852-arch/korea-stock-bot/internal/trader"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newBrokerClient() *kis.Client {
	limiter := ratelimit.New(a.Config.KIS.EffectiveRateLimit(), time.Second)
	return kis.NewClient(kis.Options{
		BaseURL:   a.Config.KIS.BaseURL,
		AppKey:    a.Config.KIS.AppKey,
		AppSecret: a.Config.KIS.AppSecret,
		AccountNo: a.Config.KIS.AccountNo,
		Sandbox:   a.Config.KIS.Sandbox,
		Timeout:   a.Config.KIS.RequestTimeout,
	}, limiter, a.Logger)
}

func (a *App) newDetector() *detector.SpikeDetector {
	cooldown := detector.NewCooldownTracker(a.Config.Detector.Cooldown)
	return detector.New(detector.Config{
		MinAcceleration:     a.Config.Detector.MinAcceleration,
		MinInstantVolume:    a.Config.Detector.MinInstantVolume,
		MinCumulativeVolume: a.Config.Detector.MinCumulativeVolume,
		MaxChangeCap:        a.Config.Detector.MaxChangeCap,
		FirstEntryMinChange: a.Config.Detector.FirstEntryMinChange,
		GapUpThreshold:      a.Config.Detector.GapUpThreshold,
		TickAlertThreshold:  a.Config.Detector.TickAlertThreshold,
		ConfirmCycles:       a.Config.Detector.ConfirmCycles,
		MaxAlertsPerCycle:   a.Config.Detector.MaxAlertsPerCycle,
		MinPriorVolume:      a.Config.Detector.MinPriorVolume,
		MinTradeValue:       a.Config.Detector.MinTradeValue,
	}, cooldown, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newJudge() trader.Judge {
	return trader.RuleJudge{
		MinEntryChange: a.Config.Trader.MinEntryChange,
		MaxEntryChange: a.Config.Trader.MaxEntryChange,
	}
}

func (a *App) traderConfig() trader.Config {
	t := a.Config.Trader
	return trader.Config{
		Enabled:              t.Enabled,
		BuyAmount:            t.BuyAmount,
		MaxPositionsBull:     t.MaxPositionsBull,
		MaxPositionsNeutral:  t.MaxPositionsNeutral,
		MaxPositionsBear:     t.MaxPositionsBear,
		MaxPositionsDefault:  t.MaxPositionsDefault,
		SectorLimit:          t.SectorLimit,
		MinRiskRewardBull:    t.MinRiskRewardBull,
		MinRiskRewardBear:    t.MinRiskRewardBear,
		MinRiskRewardDefault: t.MinRiskRewardDefault,
		TakeProfit1:          t.TakeProfit1,
		TakeProfit2:          t.TakeProfit2,
		StopLossPct:          t.StopLossPct,
		TrailingRatioBull:    t.TrailingRatioBull,
		TrailingRatioBear:    t.TrailingRatioBear,
		DailyLossLimitPct:    t.DailyLossLimitPct,
		FailureSafeLossPct:   t.FailureSafeLossPct,
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running detection and trading service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	broker := a.newBrokerClient()
	det := a.newDetector()
	notifier := a.newNotifier()

	var mgr *trader.Manager
	if a.Config.Trader.Enabled {
		var recorder trader.TradeRecorder
		if store != nil {
			recorder = store
		}
		mgr = trader.NewManager(a.traderConfig(), broker, broker, recorder, a.Logger)
	}

	// The stream handler needs the service and the service needs the
	// stream; the indirection breaks the cycle.
	var svc *service.Service
	var streamer service.Streamer
	if a.Config.Stream.Enabled {
		approvalKey, err := broker.ApprovalKey(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("approval key unavailable; realtime stream disabled")
		} else {
			streamer = stream.NewManager(stream.Options{
				URL:              a.Config.KIS.WSURL,
				ApprovalKey:      approvalKey,
				MaxSubscriptions: a.Config.Stream.MaxSubscriptions,
				ReconnectDelay:   a.Config.Stream.ReconnectDelay,
				AckTimeout:       a.Config.Stream.AckTimeout,
			}, stream.WSDialer{}, func(tk market.Tick) {
				if svc != nil {
					svc.HandleTick(tk)
				}
			}, a.Logger)
		}
	}

	var alertStore storage.AlertStore
	if store != nil {
		alertStore = store
	}

	svc = service.New(a.Config, service.Deps{
		Scheduler:  sched,
		Quotes:     broker,
		Detector:   det,
		Stream:     streamer,
		Manager:    mgr,
		Judge:      a.newJudge(),
		AlertStore: alertStore,
		Notifier:   notifier,
	}, a.Logger)

	a.Logger.Info().Msg("starting detection service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Trades bool
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Symbol    string
	ChangePct float64
	PrevPct   float64
}
