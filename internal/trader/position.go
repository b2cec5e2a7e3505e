package trader

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
)

// CloseReason tags why a position was exited.
type CloseReason string

const (
	ReasonTakeProfit1  CloseReason = "take_profit_1"
	ReasonTakeProfit2  CloseReason = "take_profit_2"
	ReasonStopLoss     CloseReason = "stop_loss"
	ReasonTrailingStop CloseReason = "trailing_stop"
	ReasonForceClose   CloseReason = "force_close"
	ReasonFinalClose   CloseReason = "final_close"
)

// Position is an open trade record. StopPrice and PeakPrice are
// monotonically non-decreasing over the position's life: trailing stops
// tighten, never loosen. HardStop keeps the original absolute stop so an
// exit can be tagged stop_loss versus trailing_stop.
type Position struct {
	Symbol     string
	Name       string
	EntryPrice decimal.Decimal
	Quantity   int64
	StopPrice  decimal.Decimal
	HardStop   decimal.Decimal
	PeakPrice  decimal.Decimal
	Sector     string
	Regime     market.Regime
	Source     market.DetectionSource
	OpenedAt   time.Time
}

// ExitRecord describes a completed close.
type ExitRecord struct {
	Symbol       string
	Name         string
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	Quantity     int64
	ProfitPct    float64
	ProfitAmount decimal.Decimal
	Reason       CloseReason
	ClosedAt     time.Time
}

// OrderResult is the normalized outcome of a filled order.
type OrderResult struct {
	Price    decimal.Decimal
	Quantity int64
}

// OrderExecutor places market orders. Implementations must be safe to
// retry: a failed Close is re-attempted on the next cycle.
type OrderExecutor interface {
	Open(ctx context.Context, symbol string, qty int64) (OrderResult, error)
	Close(ctx context.Context, symbol string, qty int64) (OrderResult, error)
}

// TradeRecorder persists open/close events. Best-effort: failures are
// logged by the caller and never block a state transition.
type TradeRecorder interface {
	RecordOpen(ctx context.Context, pos Position) error
	RecordClose(ctx context.Context, rec ExitRecord) error
}
