package trader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
)

type fakeExecutor struct {
	mu        sync.Mutex
	openFill  decimal.Decimal
	closeFill decimal.Decimal
	openErr   error
	closeErr  error
	opens     []string
	closes    []string
}

func (f *fakeExecutor) Open(_ context.Context, symbol string, qty int64) (OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return OrderResult{}, f.openErr
	}
	f.opens = append(f.opens, symbol)
	return OrderResult{Price: f.openFill, Quantity: qty}, nil
}

func (f *fakeExecutor) Close(_ context.Context, symbol string, qty int64) (OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return OrderResult{}, f.closeErr
	}
	f.closes = append(f.closes, symbol)
	return OrderResult{Price: f.closeFill, Quantity: qty}, nil
}

type fakePrices struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
	errs   map[string]error
}

func newFakePrices() *fakePrices {
	return &fakePrices{quotes: make(map[string]decimal.Decimal), errs: make(map[string]error)}
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = decimal.NewFromFloat(price)
	delete(f.errs, symbol)
}

func (f *fakePrices) fail(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[symbol] = errors.New("quote unavailable")
}

func (f *fakePrices) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[symbol]; ok {
		return decimal.Zero, err
	}
	return f.quotes[symbol], nil
}

// holdWinners defers profitable positions and liquidates the rest.
type holdWinners struct{}

func (holdWinners) JudgeEntry(_ context.Context, _ market.Alert, _ market.Regime) (Judgment, error) {
	return Judgment{Verdict: VerdictBuy}, nil
}

func (holdWinners) JudgeClose(_ context.Context, _ Position, profitPct float64, _ market.Regime) (CloseVerdict, error) {
	if profitPct > 0 {
		return HoldLater, nil
	}
	return CloseNow, nil
}

func testTraderConfig() Config {
	return Config{
		Enabled:              true,
		BuyAmount:            1_000_000,
		MaxPositionsBull:     5,
		MaxPositionsNeutral:  3,
		MaxPositionsBear:     2,
		MaxPositionsDefault:  3,
		SectorLimit:          2,
		MinRiskRewardBull:    1.2,
		MinRiskRewardBear:    2.0,
		MinRiskRewardDefault: 1.5,
		TakeProfit1:          5.0,
		TakeProfit2:          10.0,
		StopLossPct:          -3.0,
		TrailingRatioBull:    0.92,
		TrailingRatioBear:    0.95,
		DailyLossLimitPct:    -3.0,
		FailureSafeLossPct:   -1.5,
	}
}

func newTestManager(cfg Config) (*Manager, *fakeExecutor, *fakePrices) {
	exec := &fakeExecutor{}
	prices := newFakePrices()
	m := NewManager(cfg, exec, prices, nil, zerolog.Nop())
	return m, exec, prices
}

func alertFor(symbol string) market.Alert {
	return market.Alert{Symbol: symbol, Name: "stock " + symbol, Source: market.SourceRate}
}

func mustOpen(t *testing.T, m *Manager, exec *fakeExecutor, symbol string, entry float64, qty int64, sector string, regime market.Regime) *Position {
	t.Helper()
	exec.mu.Lock()
	exec.openFill = decimal.NewFromFloat(entry)
	exec.mu.Unlock()
	pos, err := m.Open(context.Background(), alertFor(symbol), sector, qty, nil, regime)
	if err != nil {
		t.Fatalf("open %s: %v", symbol, err)
	}
	return pos
}

func TestTrailingStopRatchetsAndFires(t *testing.T) {
	cfg := testTraderConfig()
	cfg.TakeProfit1 = 50
	cfg.TakeProfit2 = 100
	m, exec, prices := newTestManager(cfg)

	mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)

	// Rally to 1200: peak moves, trailing stop ratchets to 1200*0.92 = 1104.
	prices.set("005930", 1200)
	if exits := m.CheckExits(context.Background()); len(exits) != 0 {
		t.Fatalf("no exit expected at peak, got %v", exits)
	}
	if got := m.Positions()[0].StopPrice; !got.Equal(decimal.NewFromInt(1104)) {
		t.Fatalf("stop = %s, want 1104", got)
	}

	// Pullback above the stop: peak and stop must not move down.
	prices.set("005930", 1150)
	if exits := m.CheckExits(context.Background()); len(exits) != 0 {
		t.Fatalf("1150 is above the stop, got %v", exits)
	}
	if got := m.Positions()[0].StopPrice; !got.Equal(decimal.NewFromInt(1104)) {
		t.Fatalf("stop loosened to %s", got)
	}

	// Touch the trailing stop.
	prices.set("005930", 1104)
	exits := m.CheckExits(context.Background())
	if len(exits) != 1 {
		t.Fatalf("want 1 exit, got %d", len(exits))
	}
	if exits[0].Reason != ReasonTrailingStop {
		t.Fatalf("reason = %s, want %s", exits[0].Reason, ReasonTrailingStop)
	}
	if !exits[0].ExitPrice.Equal(decimal.NewFromInt(1104)) {
		t.Fatalf("exit price = %s, want 1104", exits[0].ExitPrice)
	}
	if len(m.Positions()) != 0 {
		t.Fatal("book must be empty after exit")
	}
}

func TestHardStopTaggedStopLoss(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)

	prices.set("005930", 960)
	exits := m.CheckExits(context.Background())
	if len(exits) != 1 || exits[0].Reason != ReasonStopLoss {
		t.Fatalf("want stop_loss exit, got %v", exits)
	}
}

func TestTakeProfitTiers(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)
	mustOpen(t, m, exec, "000660", 1000, 10, "", market.RegimeBull)

	prices.set("005930", 1055)
	prices.set("000660", 1110)
	exits := m.CheckExits(context.Background())
	if len(exits) != 2 {
		t.Fatalf("want 2 exits, got %d", len(exits))
	}
	// Sorted by symbol: 000660 first.
	if exits[0].Reason != ReasonTakeProfit2 {
		t.Fatalf("000660 reason = %s, want %s", exits[0].Reason, ReasonTakeProfit2)
	}
	if exits[1].Reason != ReasonTakeProfit1 {
		t.Fatalf("005930 reason = %s, want %s", exits[1].Reason, ReasonTakeProfit1)
	}
}

func TestOracleStopOverridesWhenTighter(t *testing.T) {
	m, exec, _ := newTestManager(testTraderConfig())
	exec.openFill = decimal.NewFromInt(1000)

	oracleStop := decimal.NewFromInt(985)
	j := &Judgment{Verdict: VerdictBuy, Stop: &oracleStop}
	pos, err := m.Open(context.Background(), alertFor("005930"), "", 10, j, market.RegimeBull)
	if err != nil {
		t.Fatal(err)
	}
	if !pos.StopPrice.Equal(oracleStop) {
		t.Fatalf("stop = %s, want oracle's 985", pos.StopPrice)
	}
	if !pos.HardStop.Equal(decimal.NewFromInt(970)) {
		t.Fatalf("hard stop = %s, want 970", pos.HardStop)
	}
}

func TestCanOpenStructuralRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		cfg := testTraderConfig()
		cfg.Enabled = false
		m, _, _ := newTestManager(cfg)
		if ok, reason := m.CanOpen(ctx, alertFor("005930"), "", nil, market.RegimeBull); ok {
			t.Fatal("disabled manager must reject")
		} else if reason != "trading disabled" {
			t.Fatalf("reason = %q", reason)
		}
	})

	t.Run("already holding", func(t *testing.T) {
		m, exec, _ := newTestManager(testTraderConfig())
		mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)
		if ok, _ := m.CanOpen(ctx, alertFor("005930"), "", nil, market.RegimeBull); ok {
			t.Fatal("duplicate symbol must be rejected")
		}
	})

	t.Run("regime cap", func(t *testing.T) {
		m, exec, _ := newTestManager(testTraderConfig())
		mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBear)
		mustOpen(t, m, exec, "000660", 1000, 10, "", market.RegimeBear)
		if ok, _ := m.CanOpen(ctx, alertFor("035420"), "", nil, market.RegimeBear); ok {
			t.Fatal("bear regime caps at 2 positions")
		}
		// The same book is fine under a bull cap.
		if ok, reason := m.CanOpen(ctx, alertFor("035420"), "", nil, market.RegimeBull); !ok {
			t.Fatalf("bull cap is 5, rejected: %s", reason)
		}
	})

	t.Run("sector cap", func(t *testing.T) {
		m, exec, _ := newTestManager(testTraderConfig())
		mustOpen(t, m, exec, "005930", 1000, 10, "semis", market.RegimeBull)
		mustOpen(t, m, exec, "000660", 1000, 10, "semis", market.RegimeBull)
		if ok, _ := m.CanOpen(ctx, alertFor("042700"), "semis", nil, market.RegimeBull); ok {
			t.Fatal("third position in one sector must be rejected")
		}
		if ok, reason := m.CanOpen(ctx, alertFor("035420"), "internet", nil, market.RegimeBull); !ok {
			t.Fatalf("other sector rejected: %s", reason)
		}
	})

	t.Run("risk reward", func(t *testing.T) {
		m, _, _ := newTestManager(testTraderConfig())
		rr := 1.0
		j := &Judgment{Verdict: VerdictBuy, RiskReward: &rr}
		if ok, _ := m.CanOpen(ctx, alertFor("005930"), "", j, market.RegimeBull); ok {
			t.Fatal("r/r 1.0 under bull minimum 1.2 must be rejected")
		}
		rr = 1.3
		if ok, reason := m.CanOpen(ctx, alertFor("005930"), "", j, market.RegimeBull); !ok {
			t.Fatalf("r/r 1.3 rejected: %s", reason)
		}
		// Bear demands 2.0.
		if ok, _ := m.CanOpen(ctx, alertFor("005930"), "", j, market.RegimeBear); ok {
			t.Fatal("r/r 1.3 under bear minimum 2.0 must be rejected")
		}
	})
}

func TestSectorSlotFreedOnClose(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 10, "semis", market.RegimeBull)
	mustOpen(t, m, exec, "000660", 1000, 10, "semis", market.RegimeBull)

	prices.set("005930", 960)
	prices.set("000660", 1000)
	if exits := m.CheckExits(context.Background()); len(exits) != 1 {
		t.Fatalf("want one stop-loss exit, got %d", len(exits))
	}

	if ok, reason := m.CanOpen(context.Background(), alertFor("042700"), "semis", nil, market.RegimeBull); !ok {
		t.Fatalf("sector slot not released: %s", reason)
	}
}

func TestDailyLossLimitBlocksNewEntries(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 1000, "", market.RegimeBull)

	// Stop out at 900: realized -100,000 against a 3,000,000 base is -3.33%.
	prices.set("005930", 900)
	exits := m.CheckExits(context.Background())
	if len(exits) != 1 {
		t.Fatalf("want stop-loss exit, got %d", len(exits))
	}
	if !m.RealizedPnL().Equal(decimal.NewFromInt(-100_000)) {
		t.Fatalf("realized = %s, want -100000", m.RealizedPnL())
	}

	ok, reason := m.CanOpen(context.Background(), alertFor("000660"), "", nil, market.RegimeBull)
	if ok {
		t.Fatal("entries must stop after the daily loss limit")
	}
	t.Logf("rejected: %s", reason)

	// Closing still works: the kill switch is one-directional.
	mustOpen(t, m, exec, "035420", 1000, 10, "", market.RegimeBull)
	prices.set("035420", 1110)
	if exits := m.CheckExits(context.Background()); len(exits) != 1 {
		t.Fatal("exit pass must keep running after the limit")
	}
}

func TestPriceFailureBooksFailureSafeLoss(t *testing.T) {
	cfg := testTraderConfig()
	cfg.MaxPositionsDefault = 1
	cfg.DailyLossLimitPct = -1.0
	m, exec, prices := newTestManager(cfg)

	mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)
	prices.fail("005930")

	// The unknown position books -1.5% of the buy amount: -15,000 on a
	// 1,000,000 base breaches the -1% limit.
	if ok, _ := m.CanOpen(context.Background(), alertFor("000660"), "", nil, market.RegimeBull); ok {
		t.Fatal("unpriceable exposure must count as the failure-safe loss")
	}
}

func TestCloseFailureRetainsPosition(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)

	prices.set("005930", 960)
	exec.mu.Lock()
	exec.closeErr = errors.New("order rejected")
	exec.mu.Unlock()

	if exits := m.CheckExits(context.Background()); len(exits) != 0 {
		t.Fatalf("failed close must report no exit, got %v", exits)
	}
	if len(m.Positions()) != 1 {
		t.Fatal("position must survive a failed close order")
	}

	exec.mu.Lock()
	exec.closeErr = nil
	exec.mu.Unlock()
	if exits := m.CheckExits(context.Background()); len(exits) != 1 {
		t.Fatal("close must succeed on the next pass")
	}
}

func TestForceCloseDefersHoldsThenFinalDrains(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)
	mustOpen(t, m, exec, "000660", 1000, 10, "", market.RegimeBull)

	prices.set("005930", 1030) // winner, judge holds it
	prices.set("000660", 990)  // loser, liquidated now

	exits := m.ForceCloseAll(context.Background(), holdWinners{}, market.RegimeBull)
	if len(exits) != 1 || exits[0].Symbol != "000660" {
		t.Fatalf("want only the loser closed, got %v", exits)
	}
	if exits[0].Reason != ReasonForceClose {
		t.Fatalf("reason = %s, want %s", exits[0].Reason, ReasonForceClose)
	}
	if got := m.DeferredSymbols(); len(got) != 1 || got[0] != "005930" {
		t.Fatalf("deferred = %v, want [005930]", got)
	}

	final := m.FinalCloseAll(context.Background())
	if len(final) != 1 || final[0].Symbol != "005930" {
		t.Fatalf("final pass must drain the registry, got %v", final)
	}
	if final[0].Reason != ReasonFinalClose {
		t.Fatalf("reason = %s, want %s", final[0].Reason, ReasonFinalClose)
	}
	if len(m.Positions()) != 0 || len(m.DeferredSymbols()) != 0 {
		t.Fatal("book and registry must be empty after the final pass")
	}
}

func TestForceCloseJudgeFailureLiquidates(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 10, "", market.RegimeBull)
	prices.set("005930", 1030)

	exits := m.ForceCloseAll(context.Background(), failingJudge{}, market.RegimeBull)
	if len(exits) != 1 {
		t.Fatal("judge failure must fail closed and liquidate")
	}
}

type failingJudge struct{}

func (failingJudge) JudgeEntry(_ context.Context, _ market.Alert, _ market.Regime) (Judgment, error) {
	return Judgment{}, errors.New("oracle down")
}

func (failingJudge) JudgeClose(_ context.Context, _ Position, _ float64, _ market.Regime) (CloseVerdict, error) {
	return "", errors.New("oracle down")
}

func TestRuleJudgeEntryBand(t *testing.T) {
	j := RuleJudge{MinEntryChange: 2.0, MaxEntryChange: 8.0}
	ctx := context.Background()

	cases := []struct {
		change float64
		want   Verdict
	}{
		{1.0, VerdictSkip},
		{2.0, VerdictBuy},
		{8.0, VerdictBuy},
		{9.5, VerdictSkip},
	}
	for _, tc := range cases {
		got, err := j.JudgeEntry(ctx, market.Alert{Symbol: "005930", ChangePct: tc.change}, market.RegimeBull)
		if err != nil {
			t.Fatal(err)
		}
		if got.Verdict != tc.want {
			t.Fatalf("change %.1f: verdict = %s, want %s", tc.change, got.Verdict, tc.want)
		}
	}
}

func TestResetDayClearsSessionState(t *testing.T) {
	m, exec, prices := newTestManager(testTraderConfig())
	mustOpen(t, m, exec, "005930", 1000, 100, "", market.RegimeBull)
	prices.set("005930", 960)
	m.CheckExits(context.Background())

	mustOpen(t, m, exec, "000660", 1000, 10, "", market.RegimeBull)
	prices.set("000660", 1030)
	m.ForceCloseAll(context.Background(), holdWinners{}, market.RegimeBull)

	m.ResetDay()
	if !m.RealizedPnL().IsZero() {
		t.Fatal("realized P&L must reset")
	}
	if len(m.DeferredSymbols()) != 0 {
		t.Fatal("deferred registry must reset")
	}
	// The held position itself survives the reset.
	if len(m.Positions()) != 1 {
		t.Fatal("open positions must survive ResetDay")
	}
}
