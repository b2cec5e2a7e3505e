package detector

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
)

// Config holds the detection thresholds. Ratios are fractions of the prior
// session volume; change values are percentages versus the prior close.
// All of these are empirically tuned per market and belong in configuration,
// not code.
type Config struct {
	MinAcceleration     float64
	MinInstantVolume    float64
	MinCumulativeVolume float64
	MaxChangeCap        float64
	FirstEntryMinChange float64
	GapUpThreshold      float64
	TickAlertThreshold  float64
	ConfirmCycles       int
	MaxAlertsPerCycle   int
	MinPriorVolume      int64
	MinTradeValue       float64
}

// SpikeDetector turns ranked-quote batches and push ticks into Alerts.
// Both ingestion paths call into the same instance; a single mutex guards
// the snapshot store and confirm counters for the full read-modify-write
// of a batch or tick.
type SpikeDetector struct {
	cfg      Config
	cooldown *CooldownTracker
	logger   zerolog.Logger

	mu        sync.Mutex
	snapshots *SnapshotStore
	confirm   map[string]int
	warmedUp  bool
}

// New constructs a SpikeDetector sharing the given cooldown tracker.
func New(cfg Config, cooldown *CooldownTracker, logger zerolog.Logger) *SpikeDetector {
	if cfg.ConfirmCycles < 1 {
		cfg.ConfirmCycles = 1
	}
	return &SpikeDetector{
		cfg:       cfg,
		cooldown:  cooldown,
		logger:    logging.Component(logger, "detector"),
		snapshots: NewSnapshotStore(),
		confirm:   make(map[string]int),
	}
}

// ProcessBatch evaluates one poll cycle of ranked quotes and returns the
// alerts that escape confirmation, cooldown, and the per-cycle cap.
//
// The very first batch after construction (or Reset) is a warm-up cycle:
// snapshots are stored and nothing fires, so a restart mid-session does not
// flood alerts for tickers that ran up earlier. After warm-up, a ticker
// missing from the store is a first appearance in the ranked feed — the
// most time-sensitive signal there is — and is admitted through the
// first-entry path instead of being dropped for want of a delta.
func (d *SpikeDetector) ProcessBatch(quotes []market.Quote, now time.Time) []market.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.warmedUp {
		for _, q := range quotes {
			d.snapshots.Put(q)
		}
		d.warmedUp = true
		d.logger.Info().Int("tickers", len(quotes)).Msg("warm-up cycle complete; detection starts next cycle")
		return nil
	}

	var alerts []market.Alert
	alertedThisCycle := make(map[string]bool)

	for _, q := range quotes {
		if d.skipNoise(q) {
			d.snapshots.Put(q)
			continue
		}

		cumRatio := ratio(q.CumulativeVolume, q.PriorSessionVolume)

		prev, seen := d.snapshots.Get(q.Symbol)
		var alert *market.Alert
		if seen {
			alert = d.evalAcceleration(q, prev, cumRatio, now)
		} else {
			alert = d.evalFirstEntry(q, cumRatio, now)
		}
		if alert != nil {
			alerts = append(alerts, *alert)
			alertedThisCycle[q.Symbol] = true
		}

		if !alertedThisCycle[q.Symbol] {
			if ga := d.evalGapUp(q, cumRatio, now); ga != nil {
				alerts = append(alerts, *ga)
				alertedThisCycle[q.Symbol] = true
			}
		}

		d.snapshots.Put(q)
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].AccelerationPct > alerts[j].AccelerationPct
	})
	if d.cfg.MaxAlertsPerCycle > 0 && len(alerts) > d.cfg.MaxAlertsPerCycle {
		d.logger.Debug().Int("fired", len(alerts)).Int("cap", d.cfg.MaxAlertsPerCycle).Msg("truncating cycle alerts")
		alerts = alerts[:d.cfg.MaxAlertsPerCycle]
	}
	return alerts
}

// HandleTick evaluates one push-stream tick. Ticks arrive at irregular
// intervals, so the cycle-over-cycle delta is replaced by the cumulative
// change since the session open; confirmation and cooldown work the same
// as the poll path and share the same state.
func (d *SpikeDetector) HandleTick(tick market.Tick, now time.Time) *market.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Execution frames carry no prior-session volume or name; backfill both
	// from the last poll snapshot so the volume gates stay meaningful. A
	// ticker never seen by the poll path keeps zero and fails the gate:
	// without a baseline the ratios mean nothing.
	if prev, ok := d.snapshots.Get(tick.Symbol); ok {
		if tick.PriorSessionVolume == 0 {
			tick.PriorSessionVolume = prev.PriorSessionVolume
		}
		if tick.Name == "" {
			tick.Name = prev.Name
		}
	}

	if tick.PriorSessionVolume < d.cfg.MinPriorVolume {
		return nil
	}

	cumRatio := ratio(tick.CumulativeVolume, tick.PriorSessionVolume)
	candidate := tick.ChangePct >= d.cfg.TickAlertThreshold &&
		tick.ChangePct <= d.cfg.MaxChangeCap &&
		cumRatio >= d.cfg.MinCumulativeVolume

	if !candidate {
		d.confirm[tick.Symbol] = 0
		return nil
	}

	d.confirm[tick.Symbol]++
	if d.confirm[tick.Symbol] < d.cfg.ConfirmCycles {
		return nil
	}

	if !d.cooldown.TryAlert(tick.Symbol, now) {
		return nil
	}
	d.confirm[tick.Symbol] = 0

	return &market.Alert{
		Symbol:                tick.Symbol,
		Name:                  tick.Name,
		Price:                 tick.Price,
		ChangePct:             tick.ChangePct,
		AccelerationPct:       tick.ChangePct,
		CumulativeVolumeRatio: cumRatio,
		Source:                market.SourceTick,
		DetectedAt:            now,
	}
}

// Reset clears snapshots and confirm counters for the next session.
func (d *SpikeDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots.Reset()
	d.confirm = make(map[string]int)
	d.warmedUp = false
	d.logger.Info().Msg("detector state reset")
}

// evalAcceleration is the steady-state path: the ticker has a snapshot, so
// this-cycle deltas are meaningful. Fires only after ConfirmCycles
// consecutive candidate cycles; a cooldown suppression keeps the counter so
// a later window can still fire without re-confirming from scratch.
func (d *SpikeDetector) evalAcceleration(q, prev market.Quote, cumRatio float64, now time.Time) *market.Alert {
	accel := q.ChangePct - prev.ChangePct
	deltaVol := q.CumulativeVolume - prev.CumulativeVolume
	if deltaVol < 0 {
		deltaVol = 0
	}
	instRatio := ratio(deltaVol, q.PriorSessionVolume)

	candidate := accel >= d.cfg.MinAcceleration &&
		instRatio >= d.cfg.MinInstantVolume &&
		q.ChangePct <= d.cfg.MaxChangeCap

	if !candidate {
		d.confirm[q.Symbol] = 0
		return nil
	}

	d.confirm[q.Symbol]++
	if d.confirm[q.Symbol] < d.cfg.ConfirmCycles {
		return nil
	}

	if !d.cooldown.TryAlert(q.Symbol, now) {
		return nil
	}
	d.confirm[q.Symbol] = 0

	d.logger.Info().Str("symbol", q.Symbol).Float64("accel_pct", accel).Float64("instant_ratio", instRatio).Msg("acceleration alert")
	return &market.Alert{
		Symbol:                q.Symbol,
		Name:                  q.Name,
		Price:                 q.Price,
		ChangePct:             q.ChangePct,
		AccelerationPct:       accel,
		CumulativeVolumeRatio: cumRatio,
		InstantVolumeRatio:    instRatio,
		Source:                market.SourceRate,
		DetectedAt:            now,
	}
}

// evalFirstEntry handles a ticker absent from the snapshot store after
// warm-up. No prior delta exists, so the full session change stands in for
// acceleration; the entry bar is deliberately higher than the steady-state
// one (Config.Validate-level concern) so this path does not under-filter.
func (d *SpikeDetector) evalFirstEntry(q market.Quote, cumRatio float64, now time.Time) *market.Alert {
	if q.ChangePct < d.cfg.FirstEntryMinChange || cumRatio < d.cfg.MinCumulativeVolume {
		return nil
	}
	if !d.cooldown.TryAlert(q.Symbol, now) {
		return nil
	}

	d.logger.Info().Str("symbol", q.Symbol).Float64("change_pct", q.ChangePct).Msg("first-entry alert")
	return &market.Alert{
		Symbol:                q.Symbol,
		Name:                  q.Name,
		Price:                 q.Price,
		ChangePct:             q.ChangePct,
		AccelerationPct:       q.ChangePct,
		CumulativeVolumeRatio: cumRatio,
		Source:                market.SourceRate,
		DetectedAt:            now,
	}
}

// evalGapUp measures against the session open rather than the prior cycle.
func (d *SpikeDetector) evalGapUp(q market.Quote, cumRatio float64, now time.Time) *market.Alert {
	if q.OpenPrice.IsZero() {
		return nil
	}
	open := q.OpenPrice.InexactFloat64()
	gap := (q.Price.InexactFloat64() - open) / open
	if gap < d.cfg.GapUpThreshold || cumRatio < d.cfg.MinCumulativeVolume {
		return nil
	}
	if !d.cooldown.TryAlert(q.Symbol, now) {
		return nil
	}

	d.logger.Info().Str("symbol", q.Symbol).Float64("gap", gap).Msg("gap-up alert")
	return &market.Alert{
		Symbol:                q.Symbol,
		Name:                  q.Name,
		Price:                 q.Price,
		ChangePct:             q.ChangePct,
		AccelerationPct:       gap * 100,
		CumulativeVolumeRatio: cumRatio,
		Source:                market.SourceGapUp,
		DetectedAt:            now,
	}
}

// skipNoise drops tickers whose volume base is too thin for ratios to mean
// anything, or whose traded value marks them as illiquid.
func (d *SpikeDetector) skipNoise(q market.Quote) bool {
	if q.PriorSessionVolume < d.cfg.MinPriorVolume {
		return true
	}
	if d.cfg.MinTradeValue > 0 {
		traded := q.Price.InexactFloat64() * float64(q.CumulativeVolume)
		if traded < d.cfg.MinTradeValue {
			return true
		}
	}
	return false
}

func ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
