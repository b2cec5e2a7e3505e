package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
)

// Config carries the risk parameters for position management. Percentages
// are expressed in percent (TakeProfit1 5.0 means +5%), trailing ratios as
// fractions of the peak price.
type Config struct {
	Enabled bool

	BuyAmount int64

	MaxPositionsBull    int
	MaxPositionsNeutral int
	MaxPositionsBear    int
	MaxPositionsDefault int

	SectorLimit int

	MinRiskRewardBull    float64
	MinRiskRewardBear    float64
	MinRiskRewardDefault float64

	TakeProfit1 float64
	TakeProfit2 float64
	StopLossPct float64

	TrailingRatioBull float64
	TrailingRatioBear float64

	DailyLossLimitPct  float64
	FailureSafeLossPct float64
}

// Manager owns the open-position book. All mutation happens under one
// mutex; price lookups and order placement run outside it so a slow broker
// call never stalls a concurrent read.
type Manager struct {
	cfg      Config
	executor OrderExecutor
	prices   market.PriceSource
	recorder TradeRecorder
	logger   zerolog.Logger

	mu        sync.Mutex
	positions map[string]*Position
	sectors   map[string]int
	deferred  map[string]time.Time
	realized  decimal.Decimal
}

// NewManager wires a position manager. recorder may be nil when trade
// persistence is disabled.
func NewManager(cfg Config, executor OrderExecutor, prices market.PriceSource, recorder TradeRecorder, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		executor:  executor,
		prices:    prices,
		recorder:  recorder,
		logger:    logging.Component(logger, "trader"),
		positions: make(map[string]*Position),
		sectors:   make(map[string]int),
		deferred:  make(map[string]time.Time),
	}
}

// maxPositions returns the position cap for the given regime.
func (m *Manager) maxPositions(regime market.Regime) int {
	switch regime {
	case market.RegimeBull:
		return m.cfg.MaxPositionsBull
	case market.RegimeNeutral:
		return m.cfg.MaxPositionsNeutral
	case market.RegimeBear:
		return m.cfg.MaxPositionsBear
	default:
		return m.cfg.MaxPositionsDefault
	}
}

func (m *Manager) minRiskReward(regime market.Regime) float64 {
	switch regime {
	case market.RegimeBull:
		return m.cfg.MinRiskRewardBull
	case market.RegimeBear, market.RegimeNeutral:
		return m.cfg.MinRiskRewardBear
	default:
		return m.cfg.MinRiskRewardDefault
	}
}

func (m *Manager) trailingRatio(regime market.Regime) float64 {
	if regime == market.RegimeBull {
		return m.cfg.TrailingRatioBull
	}
	return m.cfg.TrailingRatioBear
}

// CanOpen runs the admission checks in order and returns the first reason
// that rejects the candidate. A nil judgment means the oracle abstained;
// only the structural checks apply then.
func (m *Manager) CanOpen(ctx context.Context, alert market.Alert, sector string, j *Judgment, regime market.Regime) (bool, string) {
	if !m.cfg.Enabled {
		return false, "trading disabled"
	}

	m.mu.Lock()
	if _, held := m.positions[alert.Symbol]; held {
		m.mu.Unlock()
		return false, "already holding"
	}
	if len(m.positions) >= m.maxPositions(regime) {
		m.mu.Unlock()
		return false, fmt.Sprintf("position cap %d reached", m.maxPositions(regime))
	}
	if sector != "" && m.sectors[sector] >= m.cfg.SectorLimit {
		m.mu.Unlock()
		return false, fmt.Sprintf("sector cap %d reached for %s", m.cfg.SectorLimit, sector)
	}
	m.mu.Unlock()

	if j != nil && j.RiskReward != nil {
		if min := m.minRiskReward(regime); *j.RiskReward < min {
			return false, fmt.Sprintf("risk/reward %.2f below %.2f", *j.RiskReward, min)
		}
	}

	if breached, pct := m.dailyLossBreached(ctx); breached {
		return false, fmt.Sprintf("daily loss limit hit (%.2f%%)", pct)
	}
	return true, ""
}

// dailyLossBreached sums realized and unrealized P&L against the invested
// base. A failed price lookup books the configured failure-safe loss for
// that position instead of silently treating it as flat.
func (m *Manager) dailyLossBreached(ctx context.Context) (bool, float64) {
	m.mu.Lock()
	open := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		open = append(open, p)
	}
	realized := m.realized
	m.mu.Unlock()

	buyAmount := decimal.NewFromInt(m.cfg.BuyAmount)
	total := realized
	for _, p := range open {
		price, err := m.prices.CurrentPrice(ctx, p.Symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", p.Symbol).
				Msg("price lookup failed, booking failure-safe loss")
			total = total.Add(buyAmount.Mul(decimal.NewFromFloat(m.cfg.FailureSafeLossPct / 100)))
			continue
		}
		total = total.Add(price.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Quantity)))
	}

	base := buyAmount.Mul(decimal.NewFromInt(int64(m.cfg.MaxPositionsDefault)))
	if base.IsZero() {
		return false, 0
	}
	pct, _ := total.Div(base).Mul(decimal.NewFromInt(100)).Float64()
	return pct <= m.cfg.DailyLossLimitPct, pct
}

// Open places the entry order and, on fill, registers the position. The
// stop starts at the oracle's stop when provided, otherwise at the
// configured hard-stop percentage below entry.
func (m *Manager) Open(ctx context.Context, alert market.Alert, sector string, qty int64, j *Judgment, regime market.Regime) (*Position, error) {
	res, err := m.executor.Open(ctx, alert.Symbol, qty)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", alert.Symbol, err)
	}

	entry := res.Price
	hardStop := entry.Mul(decimal.NewFromFloat(1 + m.cfg.StopLossPct/100))
	stop := hardStop
	if j != nil && j.Stop != nil && j.Stop.GreaterThan(stop) {
		stop = *j.Stop
	}

	pos := &Position{
		Symbol:     alert.Symbol,
		Name:       alert.Name,
		EntryPrice: entry,
		Quantity:   res.Quantity,
		StopPrice:  stop,
		HardStop:   hardStop,
		PeakPrice:  entry,
		Sector:     sector,
		Regime:     regime,
		Source:     alert.Source,
		OpenedAt:   time.Now(),
	}

	m.mu.Lock()
	m.positions[pos.Symbol] = pos
	if sector != "" {
		m.sectors[sector]++
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("entry", entry.String()).
		Str("stop", stop.String()).
		Int64("qty", pos.Quantity).
		Msg("position opened")

	if m.recorder != nil {
		if err := m.recorder.RecordOpen(ctx, *pos); err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("record open failed")
		}
	}
	return pos, nil
}

// CheckExits walks the book once: refreshes peaks, ratchets trailing
// stops, and closes positions that hit a take-profit or a stop. Positions
// whose price lookup fails are skipped until the next cycle. Returned
// records are sorted by symbol for deterministic logs.
func (m *Manager) CheckExits(ctx context.Context) []ExitRecord {
	m.mu.Lock()
	open := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		open = append(open, p)
	}
	m.mu.Unlock()

	var exits []ExitRecord
	for _, p := range open {
		price, err := m.prices.CurrentPrice(ctx, p.Symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("exit check skipped")
			continue
		}

		reason, ok := m.evalExit(p, price)
		if !ok {
			continue
		}
		if rec, err := m.closePosition(ctx, p, price, reason); err == nil {
			exits = append(exits, rec)
		}
	}

	sort.Slice(exits, func(i, j int) bool { return exits[i].Symbol < exits[j].Symbol })
	return exits
}

// evalExit updates peak and trailing stop under the lock and decides
// whether the position must close at the given price.
func (m *Manager) evalExit(p *Position, price decimal.Decimal) (CloseReason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, still := m.positions[p.Symbol]; !still {
		return "", false
	}

	profitPct := profitPercent(p.EntryPrice, price)
	if profitPct >= m.cfg.TakeProfit2 {
		return ReasonTakeProfit2, true
	}
	if profitPct >= m.cfg.TakeProfit1 {
		return ReasonTakeProfit1, true
	}

	if price.GreaterThan(p.PeakPrice) {
		p.PeakPrice = price
	}
	trailing := p.PeakPrice.Mul(decimal.NewFromFloat(m.trailingRatio(p.Regime)))
	if trailing.GreaterThan(p.StopPrice) {
		p.StopPrice = trailing
	}

	if price.LessThanOrEqual(p.StopPrice) {
		if price.LessThanOrEqual(p.HardStop) {
			return ReasonStopLoss, true
		}
		return ReasonTrailingStop, true
	}
	return "", false
}

// closePosition places the close order and, only on success, removes the
// position from the book. A failed order leaves the position in place for
// the next pass.
func (m *Manager) closePosition(ctx context.Context, p *Position, price decimal.Decimal, reason CloseReason) (ExitRecord, error) {
	res, err := m.executor.Close(ctx, p.Symbol, p.Quantity)
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", p.Symbol).Str("reason", string(reason)).
			Msg("close order failed, position retained")
		return ExitRecord{}, err
	}
	exitPrice := res.Price
	if exitPrice.IsZero() {
		exitPrice = price
	}

	profit := exitPrice.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Quantity))
	rec := ExitRecord{
		Symbol:       p.Symbol,
		Name:         p.Name,
		EntryPrice:   p.EntryPrice,
		ExitPrice:    exitPrice,
		Quantity:     p.Quantity,
		ProfitPct:    profitPercent(p.EntryPrice, exitPrice),
		ProfitAmount: profit,
		Reason:       reason,
		ClosedAt:     time.Now(),
	}

	m.mu.Lock()
	delete(m.positions, p.Symbol)
	if p.Sector != "" && m.sectors[p.Sector] > 0 {
		m.sectors[p.Sector]--
	}
	m.realized = m.realized.Add(profit)
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", rec.Symbol).
		Str("reason", string(reason)).
		Float64("profit_pct", rec.ProfitPct).
		Msg("position closed")

	if m.recorder != nil {
		if err := m.recorder.RecordClose(ctx, rec); err != nil {
			m.logger.Warn().Err(err).Str("symbol", rec.Symbol).Msg("record close failed")
		}
	}
	return rec, nil
}

// ForceCloseAll runs the end-of-day liquidation pass. Each position is
// offered to the judge; a hold verdict moves it into the deferred
// registry, anything else is closed. Judge failure fails closed and
// liquidates.
func (m *Manager) ForceCloseAll(ctx context.Context, judge Judge, regime market.Regime) []ExitRecord {
	m.mu.Lock()
	open := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		open = append(open, p)
	}
	m.mu.Unlock()

	var exits []ExitRecord
	for _, p := range open {
		price, err := m.prices.CurrentPrice(ctx, p.Symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("force close using entry price")
			price = p.EntryPrice
		}
		profitPct := profitPercent(p.EntryPrice, price)

		verdict := CloseNow
		if judge != nil {
			if v, err := judge.JudgeClose(ctx, *p, profitPct, regime); err == nil {
				verdict = v
			} else {
				m.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("close judgment failed, liquidating")
			}
		}

		if verdict == HoldLater {
			m.mu.Lock()
			m.deferred[p.Symbol] = time.Now()
			m.mu.Unlock()
			m.logger.Info().Str("symbol", p.Symbol).Msg("close deferred to final pass")
			continue
		}
		if rec, err := m.closePosition(ctx, p, price, ReasonForceClose); err == nil {
			exits = append(exits, rec)
		}
	}
	return exits
}

// FinalCloseAll drains the deferred registry unconditionally. Anything
// still open after this pass is an order failure, not a decision.
func (m *Manager) FinalCloseAll(ctx context.Context) []ExitRecord {
	m.mu.Lock()
	pending := make([]*Position, 0, len(m.deferred))
	for symbol := range m.deferred {
		if p, ok := m.positions[symbol]; ok {
			pending = append(pending, p)
		}
	}
	m.deferred = make(map[string]time.Time)
	m.mu.Unlock()

	var exits []ExitRecord
	for _, p := range pending {
		price, err := m.prices.CurrentPrice(ctx, p.Symbol)
		if err != nil {
			price = p.EntryPrice
		}
		if rec, err := m.closePosition(ctx, p, price, ReasonFinalClose); err == nil {
			exits = append(exits, rec)
		}
	}
	return exits
}

// Positions returns a snapshot of the open book.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RealizedPnL returns the session's realized profit in won.
func (m *Manager) RealizedPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized
}

// DeferredSymbols lists positions parked by the forced close pass.
func (m *Manager) DeferredSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.deferred))
	for s := range m.deferred {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ResetDay clears realized P&L and the deferred registry for a fresh
// session. Open positions survive: carrying them over is a data error the
// operator must resolve, not something to silently drop.
func (m *Manager) ResetDay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realized = decimal.Zero
	m.deferred = make(map[string]time.Time)
}

func profitPercent(entry, price decimal.Decimal) float64 {
	if entry.IsZero() {
		return 0
	}
	pct, _ := price.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
