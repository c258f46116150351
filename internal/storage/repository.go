package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/events"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPoolSampleSQL = `INSERT INTO pool_samples (
        sample_ts,
        spot_price,
        window_price,
        smoothed_price,
        reserve_token,
        reserve_collateral,
        reserve_ratio,
        skew_bps,
        action,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (sample_ts) DO UPDATE
    SET
        spot_price         = EXCLUDED.spot_price,
        window_price       = EXCLUDED.window_price,
        smoothed_price     = EXCLUDED.smoothed_price,
        reserve_token      = EXCLUDED.reserve_token,
        reserve_collateral = EXCLUDED.reserve_collateral,
        reserve_ratio      = EXCLUDED.reserve_ratio,
        skew_bps           = EXCLUDED.skew_bps,
        action             = EXCLUDED.action,
        status             = EXCLUDED.status,
        error              = EXCLUDED.error;`

	sampleColumns = `sample_ts,
        spot_price::text,
        window_price::text,
        smoothed_price::text,
        reserve_token::text,
        reserve_collateral::text,
        reserve_ratio::text,
        skew_bps,
        action,
        status,
        error,
        created_at`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM pool_samples
    WHERE sample_ts >= $1
      AND sample_ts < $2
    ORDER BY sample_ts
    LIMIT NULLIF($3::int, 0);`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM pool_samples
    ORDER BY sample_ts DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM pool_samples;`

	insertEventSQL = `INSERT INTO protocol_events (kind, event_ts, attributes)
    VALUES ($1,$2,$3)
    RETURNING id, created_at;`

	listRecentEventsSQL = `SELECT id, kind, event_ts, attributes, created_at
    FROM protocol_events
    WHERE ($1::text = '' OR kind = $1::text)
    ORDER BY event_ts DESC, id DESC
    LIMIT $2;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        deviation_pct,
        threshold_pct,
        direction,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (sample_ts) DO UPDATE
    SET deviation_pct = EXCLUDED.deviation_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        direction     = EXCLUDED.direction,
        channels      = EXCLUDED.channels
    RETURNING id, sample_ts, deviation_pct::text, threshold_pct::text, direction, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        deviation_pct::text,
        threshold_pct::text,
        direction,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for pool sample persistence.
type SampleStore interface {
	UpsertPoolSample(ctx context.Context, sample PoolSample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time, limit int) ([]PoolSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PoolSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// EventStore persists protocol events. It doubles as an events.Sink.
type EventStore interface {
	events.Sink
	ListRecentEvents(ctx context.Context, kind string, limit int) ([]EventRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples, events and alerts.
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
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
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

// UpsertPoolSample persists or updates a pool sample.
func (s *Store) UpsertPoolSample(ctx context.Context, sample PoolSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertPoolSampleSQL,
		sample.Timestamp,
		sample.SpotPrice.String(),
		sample.WindowPrice.String(),
		optionalDecimal(sample.SmoothedPrice),
		sample.ReserveToken.String(),
		sample.ReserveCollateral.String(),
		optionalDecimal(sample.ReserveRatio),
		sample.SkewBps,
		sample.Action,
		sample.Status,
		optionalString(sample.Error),
	)
	if execErr != nil {
		return fmt.Errorf("upsert pool sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window. A zero limit returns all of them.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time, limit int) ([]PoolSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending timestamp.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PoolSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, limit)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// Publish stores a protocol event.
func (s *Store) Publish(ctx context.Context, e events.Event) error {
	_, err := s.InsertEvent(ctx, e)
	return err
}

// InsertEvent stores a protocol event and returns the stored record.
func (s *Store) InsertEvent(ctx context.Context, e events.Event) (EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EventRecord{}, err
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode event attributes: %w", err)
	}

	rec := EventRecord{
		Kind:       string(e.Kind),
		Timestamp:  time.Unix(int64(e.Timestamp), 0).UTC(),
		Attributes: attrs,
	}
	if scanErr := pool.QueryRow(ctx, insertEventSQL, rec.Kind, rec.Timestamp, payload).
		Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return EventRecord{}, fmt.Errorf("insert event: %w", scanErr)
	}
	return rec, nil
}

// ListRecentEvents lists the newest events, optionally of one kind.
func (s *Store) ListRecentEvents(ctx context.Context, kind string, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, kind, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	records := make([]EventRecord, 0, limit)
	for rows.Next() {
		var (
			rec     EventRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Timestamp, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d attributes: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.DeviationPct.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		alert.Channels,
	)
	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
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
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
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

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var rec AlertRecord
	var deviationStr, thresholdStr string
	if err := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&deviationStr,
		&thresholdStr,
		&rec.Direction,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.DeviationPct, convErr = decimal.NewFromString(deviationStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse deviation pct: %w", convErr)
	}
	rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold pct: %w", convErr)
	}
	return rec, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]PoolSample, error) {
	samples := make([]PoolSample, 0, capacity)
	for rows.Next() {
		sample, scanErr := scanPoolSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanPoolSample(row pgx.Row) (PoolSample, error) {
	var (
		ts            time.Time
		spotStr       string
		windowStr     string
		smoothedStr   sql.NullString
		tokenStr      string
		collateralStr string
		ratioStr      sql.NullString
		skew          int64
		action        string
		status        string
		errMsg        sql.NullString
		createdAt     time.Time
	)

	if err := row.Scan(
		&ts,
		&spotStr,
		&windowStr,
		&smoothedStr,
		&tokenStr,
		&collateralStr,
		&ratioStr,
		&skew,
		&action,
		&status,
		&errMsg,
		&createdAt,
	); err != nil {
		return PoolSample{}, err
	}

	sample := PoolSample{
		Timestamp: ts,
		SkewBps:   skew,
		Action:    action,
		Status:    status,
		CreatedAt: createdAt,
	}
	var err error
	if sample.SpotPrice, err = decimal.NewFromString(spotStr); err != nil {
		return PoolSample{}, fmt.Errorf("parse spot price: %w", err)
	}
	if sample.WindowPrice, err = decimal.NewFromString(windowStr); err != nil {
		return PoolSample{}, fmt.Errorf("parse window price: %w", err)
	}
	if sample.ReserveToken, err = decimal.NewFromString(tokenStr); err != nil {
		return PoolSample{}, fmt.Errorf("parse token reserve: %w", err)
	}
	if sample.ReserveCollateral, err = decimal.NewFromString(collateralStr); err != nil {
		return PoolSample{}, fmt.Errorf("parse collateral reserve: %w", err)
	}
	if sample.SmoothedPrice, err = parseOptional(smoothedStr); err != nil {
		return PoolSample{}, fmt.Errorf("parse smoothed price: %w", err)
	}
	if sample.ReserveRatio, err = parseOptional(ratioStr); err != nil {
		return PoolSample{}, fmt.Errorf("parse reserve ratio: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}

func parseOptional(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func optionalString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

var (
	_ SampleStore    = (*Store)(nil)
	_ EventStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
