package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is an immutable snapshot of one ticker at one sampling instant.
// ChangePct is measured against the prior session close; ratios derived
// from it are fractions, not percentages.
type Quote struct {
	Symbol             string
	Name               string
	Price              decimal.Decimal
	OpenPrice          decimal.Decimal
	ChangePct          float64
	CumulativeVolume   int64
	PriorSessionVolume int64
	Timestamp          time.Time
}

// Tick is a push-stream trade event for a subscribed symbol.
type Tick struct {
	Symbol             string
	Name               string
	Price              decimal.Decimal
	ChangePct          float64
	CumulativeVolume   int64
	PriorSessionVolume int64
	At                 time.Time
}

// DetectionSource tags which detection path produced an alert.
type DetectionSource string

const (
	SourceRate  DetectionSource = "rate"
	SourceGapUp DetectionSource = "gap_up"
	SourceTick  DetectionSource = "tick"
)

// Alert is the detector's output unit. Created once, never mutated.
type Alert struct {
	Symbol                string
	Name                  string
	Price                 decimal.Decimal
	ChangePct             float64
	AccelerationPct       float64
	CumulativeVolumeRatio float64
	InstantVolumeRatio    float64
	Source                DetectionSource
	DetectedAt            time.Time
}

// Regime is a coarse market-condition classification parameterising risk
// limits and trailing-stop ratios.
type Regime string

const (
	RegimeBull    Regime = "bull"
	RegimeNeutral Regime = "neutral"
	RegimeBear    Regime = "bear"
	RegimeUnknown Regime = ""
)

// ParseRegime maps free-form environment strings onto a Regime.
func ParseRegime(s string) Regime {
	switch s {
	case "bull", "bullish":
		return RegimeBull
	case "neutral", "sideways", "flat":
		return RegimeNeutral
	case "bear", "bearish":
		return RegimeBear
	default:
		return RegimeUnknown
	}
}

// QuoteSource supplies ranked quote batches for a market (e.g. KOSPI).
type QuoteSource interface {
	PollRanked(ctx context.Context, marketCode string) ([]Quote, error)
}

// PriceSource supplies the latest traded price for one symbol.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
