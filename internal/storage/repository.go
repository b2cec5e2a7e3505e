package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
	"github.com/testgpt852-arch/korea-stock-bot/internal/trader"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        symbol,
        name,
        price,
        change_pct,
        acceleration_pct,
        cum_volume_ratio,
        instant_volume_ratio,
        source,
        detected_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listRecentAlertsSQL = `SELECT
        id,
        symbol,
        name,
        price,
        change_pct,
        acceleration_pct,
        cum_volume_ratio,
        instant_volume_ratio,
        source,
        detected_at,
        created_at
    FROM alerts
    ORDER BY detected_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE detected_at < $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM alerts;`

	insertTradeOpenSQL = `INSERT INTO trading_history (
        symbol,
        name,
        entry_price,
        quantity,
        status,
        opened_at
    ) VALUES (
        $1,$2,$3,$4,'open',$5
    );`

	closeTradeSQL = `UPDATE trading_history
    SET exit_price    = $2,
        profit_pct    = $3,
        profit_amount = $4,
        reason        = $5,
        status        = 'closed',
        closed_at     = $6
    WHERE id = (
        SELECT id FROM trading_history
        WHERE symbol = $1 AND status = 'open'
        ORDER BY opened_at DESC
        LIMIT 1
    );`

	insertTradeClosedSQL = `INSERT INTO trading_history (
        symbol,
        name,
        entry_price,
        exit_price,
        quantity,
        profit_pct,
        profit_amount,
        reason,
        status,
        opened_at,
        closed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,'closed',$9,$10
    );`

	listRecentTradesSQL = `SELECT
        id,
        symbol,
        name,
        entry_price,
        exit_price,
        quantity,
        profit_pct,
        profit_amount,
        reason,
        status,
        opened_at,
        closed_at,
        created_at
    FROM trading_history
    ORDER BY opened_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert market.Alert) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	CountAlerts(ctx context.Context) (int64, error)
}

// TradeStore defines operations for trading history.
type TradeStore interface {
	trader.TradeRecorder
	ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to alerts and trading history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists a spike detection.
func (s *Store) InsertAlert(ctx context.Context, alert market.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.Symbol,
		alert.Name,
		alert.Price.String(),
		alert.ChangePct,
		alert.AccelerationPct,
		alert.CumulativeVolumeRatio,
		alert.InstantVolumeRatio,
		string(alert.Source),
		alert.DetectedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists the most recent alerts by detection time.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// RecordOpen inserts an open-position row.
func (s *Store) RecordOpen(ctx context.Context, pos trader.Position) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertTradeOpenSQL,
		pos.Symbol,
		pos.Name,
		pos.EntryPrice.String(),
		pos.Quantity,
		pos.OpenedAt,
	)
	if execErr != nil {
		return fmt.Errorf("record open: %w", execErr)
	}
	return nil
}

// RecordClose completes the latest open row for the symbol, or inserts a
// standalone closed row when no open row exists.
func (s *Store) RecordClose(ctx context.Context, rec trader.ExitRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, closeTradeSQL,
		rec.Symbol,
		rec.ExitPrice.String(),
		rec.ProfitPct,
		rec.ProfitAmount.String(),
		string(rec.Reason),
		rec.ClosedAt,
	)
	if execErr != nil {
		return fmt.Errorf("record close: %w", execErr)
	}
	if cmdTag.RowsAffected() > 0 {
		return nil
	}

	_, execErr = pool.Exec(ctx, insertTradeClosedSQL,
		rec.Symbol,
		rec.Name,
		rec.EntryPrice.String(),
		rec.ExitPrice.String(),
		rec.Quantity,
		rec.ProfitPct,
		rec.ProfitAmount.String(),
		string(rec.Reason),
		rec.ClosedAt,
		rec.ClosedAt,
	)
	if execErr != nil {
		return fmt.Errorf("record close insert: %w", execErr)
	}
	return nil
}

// ListRecentTrades lists trading history ordered by open time.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec      AlertRecord
		priceStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Symbol,
		&rec.Name,
		&priceStr,
		&rec.ChangePct,
		&rec.AccelerationPct,
		&rec.CumVolumeRatio,
		&rec.InstantVolumeRatio,
		&rec.Source,
		&rec.DetectedAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse alert price: %w", err)
	}
	rec.Price = price
	return rec, nil
}

func scanTrade(rows pgx.Rows) (TradeRecord, error) {
	var (
		rec       TradeRecord
		entryStr  string
		exitStr   sql.NullString
		profitPct sql.NullFloat64
		amountStr sql.NullString
		reason    sql.NullString
		closedAt  sql.NullTime
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Symbol,
		&rec.Name,
		&entryStr,
		&exitStr,
		&rec.Quantity,
		&profitPct,
		&amountStr,
		&reason,
		&rec.Status,
		&rec.OpenedAt,
		&closedAt,
		&rec.CreatedAt,
	); err != nil {
		return TradeRecord{}, err
	}

	entry, err := decimal.NewFromString(entryStr)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("parse entry price: %w", err)
	}
	rec.EntryPrice = entry

	if exitStr.Valid {
		exit, convErr := decimal.NewFromString(exitStr.String)
		if convErr != nil {
			return TradeRecord{}, fmt.Errorf("parse exit price: %w", convErr)
		}
		rec.ExitPrice = &exit
	}
	if profitPct.Valid {
		v := profitPct.Float64
		rec.ProfitPct = &v
	}
	if amountStr.Valid {
		amount, convErr := decimal.NewFromString(amountStr.String)
		if convErr != nil {
			return TradeRecord{}, fmt.Errorf("parse profit amount: %w", convErr)
		}
		rec.ProfitAmount = &amount
	}
	if reason.Valid {
		rec.Reason = reason.String
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	return rec, nil
}
