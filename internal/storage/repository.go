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

	"yield-pilot/internal/payment"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertCycleSQL = `INSERT INTO cycles (
        bucket_ts,
        stage,
        outcome,
        current_protocol,
        current_apy_bps,
        target_protocol,
        target_apy_bps,
        diff_pct,
        rates,
        tx_hash,
        anomaly,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        stage            = EXCLUDED.stage,
        outcome          = EXCLUDED.outcome,
        current_protocol = EXCLUDED.current_protocol,
        current_apy_bps  = EXCLUDED.current_apy_bps,
        target_protocol  = EXCLUDED.target_protocol,
        target_apy_bps   = EXCLUDED.target_apy_bps,
        diff_pct         = EXCLUDED.diff_pct,
        rates            = EXCLUDED.rates,
        tx_hash          = EXCLUDED.tx_hash,
        anomaly          = EXCLUDED.anomaly,
        error            = EXCLUDED.error;`

	listCyclesBetweenSQL = `SELECT
        bucket_ts,
        stage,
        outcome,
        current_protocol,
        current_apy_bps,
        target_protocol,
        target_apy_bps,
        diff_pct,
        rates,
        tx_hash,
        anomaly,
        error,
        created_at
    FROM cycles
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentCyclesSQL = `SELECT
        bucket_ts,
        stage,
        outcome,
        current_protocol,
        current_apy_bps,
        target_protocol,
        target_apy_bps,
        diff_pct,
        rates,
        tx_hash,
        anomaly,
        error,
        created_at
    FROM cycles
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countCyclesSQL = `SELECT COUNT(*) FROM cycles;`

	insertSettlementSQL = `INSERT INTO settlements (
        nonce,
        payer,
        receiver,
        amount,
        currency,
        resource,
        network,
        settled_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (nonce) DO NOTHING;`

	settlementExistsSQL = `SELECT EXISTS(SELECT 1 FROM settlements WHERE nonce = $1);`

	listRecentSettlementsSQL = `SELECT
        nonce,
        payer,
        receiver,
        amount,
        currency,
        resource,
        network,
        settled_at
    FROM settlements
    ORDER BY settled_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// CycleStore defines operations for cycle audit persistence.
type CycleStore interface {
	UpsertCycle(ctx context.Context, record CycleRecord) error
	ListCyclesBetween(ctx context.Context, from, to time.Time) ([]CycleRecord, error)
	ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
	CountCycles(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers. The reconciliation loop uses
// it to guarantee the single-writer precondition when a database is shared
// between agent instances.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates cycle audit records and payment settlements.
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

// UpsertCycle persists or updates a cycle record keyed by its bucket.
func (s *Store) UpsertCycle(ctx context.Context, record CycleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var txHash, anomaly, errMsg interface{}
	if record.TxHash != nil {
		txHash = *record.TxHash
	}
	if record.Anomaly != nil {
		anomaly = *record.Anomaly
	}
	if record.Error != nil {
		errMsg = *record.Error
	}

	_, execErr := pool.Exec(ctx, upsertCycleSQL,
		record.Bucket,
		record.Stage,
		record.Outcome,
		record.CurrentProtocol,
		record.CurrentAPYBps,
		record.TargetProtocol,
		record.TargetAPYBps,
		record.DiffPct,
		[]byte(record.Rates),
		txHash,
		anomaly,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert cycle: %w", execErr)
	}
	return nil
}

// ListCyclesBetween lists cycles within a time window.
func (s *Store) ListCyclesBetween(ctx context.Context, from, to time.Time) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCyclesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list cycles between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]CycleRecord, 0)
	for rows.Next() {
		record, scanErr := scanCycle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListRecentCycles lists the most recent cycles ordered by descending bucket.
func (s *Store) ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCyclesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycles: %w", queryErr)
	}
	defer rows.Close()

	records := make([]CycleRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanCycle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountCycles counts stored cycle records.
func (s *Store) CountCycles(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countCyclesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count cycles: %w", scanErr)
	}
	return count, nil
}

// Settle records a consumed payment proof. The unique nonce constraint makes
// settlement idempotent: a second insert for the same nonce affects zero rows
// and surfaces as payment.ErrAlreadySettled.
func (s *Store) Settle(ctx context.Context, settlement payment.Settlement) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, insertSettlementSQL,
		settlement.Nonce,
		settlement.Payer,
		settlement.Receiver,
		settlement.Amount,
		settlement.Currency,
		settlement.Resource,
		settlement.Network,
		settlement.SettledAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert settlement: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrAlreadySettled
	}
	return nil
}

// IsSettled reports whether the nonce has been consumed.
func (s *Store) IsSettled(ctx context.Context, nonce string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, settlementExistsSQL, nonce).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("settlement exists: %w", scanErr)
	}
	return exists, nil
}

// ListRecentSettlements lists most recent settlements.
func (s *Store) ListRecentSettlements(ctx context.Context, limit int) ([]SettlementRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSettlementsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent settlements: %w", queryErr)
	}
	defer rows.Close()

	records := make([]SettlementRecord, 0, limit)
	for rows.Next() {
		var rec SettlementRecord
		if err := rows.Scan(
			&rec.Nonce,
			&rec.Payer,
			&rec.Receiver,
			&rec.Amount,
			&rec.Currency,
			&rec.Resource,
			&rec.Network,
			&rec.SettledAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanCycle(rows pgx.Rows) (CycleRecord, error) {
	var (
		record  CycleRecord
		rates   json.RawMessage
		txHash  sql.NullString
		anomaly sql.NullString
		errMsg  sql.NullString
	)

	if err := rows.Scan(
		&record.Bucket,
		&record.Stage,
		&record.Outcome,
		&record.CurrentProtocol,
		&record.CurrentAPYBps,
		&record.TargetProtocol,
		&record.TargetAPYBps,
		&record.DiffPct,
		&rates,
		&txHash,
		&anomaly,
		&errMsg,
		&record.CreatedAt,
	); err != nil {
		return CycleRecord{}, err
	}

	record.Rates = rates
	if txHash.Valid {
		value := txHash.String
		record.TxHash = &value
	}
	if anomaly.Valid {
		value := anomaly.String
		record.Anomaly = &value
	}
	if errMsg.Valid {
		value := errMsg.String
		record.Error = &value
	}

	return record, nil
}

var _ payment.SettlementStore = (*Store)(nil)
