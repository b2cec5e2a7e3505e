package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord is a persisted spike detection.
type AlertRecord struct {
	ID                 int64
	Symbol             string
	Name               string
	Price              decimal.Decimal
	ChangePct          float64
	AccelerationPct    float64
	CumVolumeRatio     float64
	InstantVolumeRatio float64
	Source             string
	DetectedAt         time.Time
	CreatedAt          time.Time
}

// TradeRecord is one row of trading history. Open rows carry no exit
// fields; they are filled in when the matching close lands.
type TradeRecord struct {
	ID           int64
	Symbol       string
	Name         string
	EntryPrice   decimal.Decimal
	ExitPrice    *decimal.Decimal
	Quantity     int64
	ProfitPct    *float64
	ProfitAmount *decimal.Decimal
	Reason       string
	Status       string
	OpenedAt     time.Time
	ClosedAt     *time.Time
	CreatedAt    time.Time
}
