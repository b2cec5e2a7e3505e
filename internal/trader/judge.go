package trader

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
)

// Verdict is an admission judgment outcome.
type Verdict string

const (
	VerdictBuy     Verdict = "buy"
	VerdictSkip    Verdict = "skip"
	VerdictUnknown Verdict = "unknown"
)

// CloseVerdict is a judgment on whether to liquidate a position at the
// forced end-of-day pass or hold it until the final one.
type CloseVerdict string

const (
	CloseNow  CloseVerdict = "close"
	HoldLater CloseVerdict = "hold"
)

// Judgment is the tagged result of an external admission oracle. Optional
// fields are pointers: absent means the oracle did not provide them, and
// the corresponding filter simply does not apply.
type Judgment struct {
	Verdict    Verdict
	RiskReward *float64
	Target     *decimal.Decimal
	Stop       *decimal.Decimal
	Reason     string
}

// Judge is the external, fallible admission oracle. On failure or timeout
// the caller degrades to a rule-based fallback or abstains rather than
// blocking the cycle.
type Judge interface {
	JudgeEntry(ctx context.Context, alert market.Alert, regime market.Regime) (Judgment, error)
	JudgeClose(ctx context.Context, pos Position, profitPct float64, regime market.Regime) (CloseVerdict, error)
}

// RuleJudge is the conservative fallback: admit only alerts inside the
// configured entry-change band, and liquidate everything at force-close.
type RuleJudge struct {
	MinEntryChange float64
	MaxEntryChange float64
}

// JudgeEntry admits alerts whose session change sits inside the band.
// Below the band the signal is too weak; above it the move is already done
// and chasing it is the classic retail mistake.
func (r RuleJudge) JudgeEntry(_ context.Context, alert market.Alert, _ market.Regime) (Judgment, error) {
	if alert.ChangePct < r.MinEntryChange {
		return Judgment{Verdict: VerdictSkip, Reason: "change below entry band"}, nil
	}
	if alert.ChangePct > r.MaxEntryChange {
		return Judgment{Verdict: VerdictSkip, Reason: "change above entry band"}, nil
	}
	return Judgment{Verdict: VerdictBuy, Reason: "entry band"}, nil
}

// JudgeClose always liquidates: holding past the forced close is a
// privilege only a richer oracle may grant.
func (r RuleJudge) JudgeClose(_ context.Context, _ Position, _ float64, _ market.Regime) (CloseVerdict, error) {
	return CloseNow, nil
}

var _ Judge = RuleJudge{}
